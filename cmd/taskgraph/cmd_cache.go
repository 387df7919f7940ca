package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskgraph-dev/taskgraph/cache"
)

var gcOlderThan time.Duration

// cacheCmd is the parent command for cache operations.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the content-addressed cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect [digest]",
	Short: "Show one cache entry's status, inputs, and outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInspect,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [digest]",
	Short: "Purge one cache entry so the next run recomputes it",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInvalidate,
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep completed cache entries older than the configured age",
	RunE:  runCacheGC,
}

func init() {
	cacheGCCmd.Flags().DurationVar(&gcOlderThan, "older-than", 0, "Override the configured gc age (e.g. 168h)")
	cacheCmd.AddCommand(cacheInspectCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheGCCmd)
}

func openStore() (*cache.Store, error) {
	store, err := cache.Open(cfg.Cache.Root)
	if err != nil {
		return nil, fmt.Errorf("opening cache at %s: %w", cfg.Cache.Root, err)
	}
	return store, nil
}

func runCacheInspect(cmd *cobra.Command, args []string) error {
	digest := args[0]
	dir := filepath.Join(cfg.Cache.Root, digest)

	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no cache entry for digest %s", digest)
		}
		return err
	}
	fmt.Printf("digest: %s\nstatus: %s\n", digest, status)

	for _, name := range []string{"inputs.json", "outputs.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var pretty json.RawMessage = data
		fmt.Printf("%s:\n%s\n", name, pretty)
	}

	files, err := os.ReadDir(filepath.Join(dir, "files"))
	if err == nil && len(files) > 0 {
		fmt.Println("files:")
		for _, f := range files {
			fmt.Printf("  %s\n", f.Name())
		}
	}
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Invalidate(args[0]); err != nil {
		return err
	}
	logger.Info("cache entry invalidated", zap.String("digest", args[0]))
	fmt.Printf("invalidated %s\n", args[0])
	return nil
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	age := gcOlderThan
	if age == 0 {
		age = cfg.GCAgeDuration()
	}
	if age == 0 {
		return fmt.Errorf("no gc age configured; pass --older-than or set cache.gc_age")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	swept, err := store.GC(time.Now().Add(-age))
	if err != nil {
		return err
	}
	logger.Info("cache gc complete", zap.Int("swept", len(swept)), zap.Duration("older_than", age))
	fmt.Printf("swept %d entries older than %s\n", len(swept), age)
	return nil
}
