// Command taskgraph is the operational front end for the workflow engine:
// it manages the shared content-addressed cache and inspects run results.
// Workflows themselves are Go programs linked against the engine packages;
// this binary covers the parts an operator touches without writing code.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskgraph-dev/taskgraph/internal/config"
	"github.com/taskgraph-dev/taskgraph/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Dataflow workflow engine cache and result tooling",
	Long: `taskgraph manages the shared state of the workflow engine.

Examples:
  taskgraph cache inspect 3a7f9c...
  taskgraph cache invalidate 3a7f9c...
  taskgraph cache gc --older-than 168h
  taskgraph result show run_result.json`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(verbose || cfg.Logging.Verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the taskgraph config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".taskgraph", "config.yaml")
	}
	return filepath.Join(home, ".taskgraph", "config.yaml")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskgraph version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("taskgraph version 0.1.0")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
