package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph-dev/taskgraph/errs"
	"github.com/taskgraph-dev/taskgraph/internal/config"
	"github.com/taskgraph-dev/taskgraph/result"
)

func setupGlobals(t *testing.T) {
	t.Helper()
	cfg = config.DefaultConfig()
	cfg.Cache.Root = t.TempDir()
	logger = zap.NewNop()
}

func TestResultShowSummarizesRun(t *testing.T) {
	setupGlobals(t)

	path := filepath.Join(t.TempDir(), "res.json")
	r := result.New()
	r.SetOutput("answer", 42)
	r.AddError("boom", errs.WorkerFailure, "exploded", "", "stack trace", "")
	require.NoError(t, result.WriteJSON(r, path))

	require.NoError(t, runResultShow(resultShowCmd, []string{path}))
}

func TestResultShowMissingFile(t *testing.T) {
	setupGlobals(t)
	err := runResultShow(resultShowCmd, []string{filepath.Join(t.TempDir(), "nope.json")})
	require.Error(t, err)
}

func TestCacheGCRequiresAge(t *testing.T) {
	setupGlobals(t)
	cfg.Cache.GCAge = ""
	gcOlderThan = 0
	err := runCacheGC(cacheGCCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "older-than")
}

func TestCacheGCSweepsEmptyStore(t *testing.T) {
	setupGlobals(t)
	gcOlderThan = time.Hour
	require.NoError(t, runCacheGC(cacheGCCmd, nil))
}

func TestCacheInspectUnknownDigest(t *testing.T) {
	setupGlobals(t)
	err := runCacheInspect(cacheInspectCmd, []string{"deadbeef"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadbeef")
}
