//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/config"
	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory"
)

// TestMemoryLifecycle exercises the full public surface against real
// tier databases: store across tiers, encrypted persistence across a
// restart, a consolidation cycle, and the eviction sweep.
func TestMemoryLifecycle(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := config.Default(dir)
	mgr, err := memory.NewManager(cfg)
	require.NoError(t, err)

	// Store one record per persisted tier plus working scratch.
	require.NoError(t, mgr.StoreEpisodic(ctx, "evt-1",
		map[string]any{"task_type": "index_rebuild", "success": true}, 0.9,
		[]string{"ops"}, "indexer"))
	require.NoError(t, mgr.StoreSemantic(ctx, "fact-1",
		map[string]any{"fact": "index rebuilds take ~4m"}, 0.5, nil, "indexer", 0.9))
	require.NoError(t, mgr.StoreProcedural(ctx, "skill-1",
		map[string]any{"skill_name": "rebuild_index"}, 0.6, nil, "indexer", 0.4))
	mgr.Working().Set("current_task", "integration test")

	// High-importance content is encrypted at rest.
	rec, err := mgr.Retrieve(ctx, "evt-1", memory.TierEpisodic)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.EncryptionLevel)
	assert.Equal(t, true, rec.Content["success"])

	// Restart: a new manager over the same data dir reuses the same key.
	require.NoError(t, mgr.Shutdown(ctx))
	mgr, err = memory.NewManager(cfg)
	require.NoError(t, err)
	defer func() { _ = mgr.Shutdown(context.Background()) }()

	rec, err = mgr.Retrieve(ctx, "evt-1", memory.TierAny)
	require.NoError(t, err)
	assert.Equal(t, "index_rebuild", rec.Content["task_type"])
	assert.Equal(t, int64(2), rec.AccessCount)

	// Working memory does not survive the restart.
	_, ok := mgr.Working().Get("current_task")
	assert.False(t, ok)

	// Search ranks by importance across tiers.
	results, err := mgr.Search(ctx, "index", memory.TierAny, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "evt-1", results[0].ID)

	// A consolidation cycle leaves fresh records alone (age gate) but
	// reports a consciousness level from live store state.
	report, err := mgr.RunConsolidationCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Promoted)
	assert.Greater(t, report.Consciousness, 0.0)

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRecords)
}
