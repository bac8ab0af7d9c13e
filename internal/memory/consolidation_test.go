package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, maxAttempts int) (*Engine, *TierStore, *TierStore, *TierStore) {
	t.Helper()
	episodic := testStore(t, TierEpisodic)
	semantic := testStore(t, TierSemantic)
	procedural := testStore(t, TierProcedural)
	engine := NewEngine(EngineParams{
		Episodic:    episodic,
		Semantic:    semantic,
		Procedural:  procedural,
		Interval:    time.Minute,
		MaxAttempts: maxAttempts,
	})
	return engine, episodic, semantic, procedural
}

func putEpisode(t *testing.T, store *TierStore, id string, importance float64, age time.Duration, content map[string]any) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &Record{
		ID:         id,
		Content:    content,
		Importance: importance,
		CreatedAt:  time.Now().UTC().Add(-age),
	}))
}

func TestRunCycle_PromotesEligibleEpisode(t *testing.T) {
	engine, episodic, semantic, _ := testEngine(t, 0)
	ctx := context.Background()

	putEpisode(t, episodic, "e1", 0.9, 2*time.Hour, map[string]any{
		"task_type": "deploy",
		"success":   true,
	})

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	derived, err := semantic.Get(ctx, "consolidated_e1")
	require.NoError(t, err)
	assert.Equal(t, "success_pattern", derived.Content["pattern_type"])
	assert.Equal(t, "deploy", derived.Content["task_type"])
	assert.Equal(t, "e1", derived.Content["source_id"])
	assert.InDelta(t, 0.8, derived.Importance, 1e-9)
	assert.InDelta(t, 0.85, derived.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"consolidated", "pattern"}, derived.Tags)
	// Promoted at 0.8 importance, the derived record lands encrypted.
	assert.Equal(t, 1, derived.EncryptionLevel)

	src, err := episodic.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.ConsolidationLevel)

	// Level 1 records are never reconsidered.
	report, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Promoted)
}

func TestRunCycle_PromotionGates(t *testing.T) {
	engine, episodic, semantic, _ := testEngine(t, 0)
	ctx := context.Background()

	content := map[string]any{"task_type": "probe", "success": true}
	putEpisode(t, episodic, "too-fresh", 0.9, 10*time.Minute, content)
	putEpisode(t, episodic, "too-unimportant", 0.5, 2*time.Hour, content)
	putEpisode(t, episodic, "at-threshold", 0.7, 2*time.Hour, content)

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Promoted)

	results, err := semantic.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunCycle_ExtractionRetryCap(t *testing.T) {
	engine, episodic, _, _ := testEngine(t, 2)
	ctx := context.Background()

	// Important enough to promote, but no recognizable shape.
	putEpisode(t, episodic, "opaque", 0.9, 2*time.Hour, map[string]any{"blob": "unstructured"})

	for i := 0; i < 2; i++ {
		report, err := engine.RunCycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Promoted)
	}

	src, err := episodic.Get(ctx, "opaque")
	require.NoError(t, err)
	assert.Contains(t, src.Tags, ExhaustedTag)

	// Past the cap the record is no longer a candidate.
	candidates, err := episodic.PromotionCandidates(ctx, promotionMinImportance, time.Now().UTC(), 2)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRunCycle_ReinforcementIsCumulativeAndCapped(t *testing.T) {
	engine, _, _, procedural := testEngine(t, 0)
	ctx := context.Background()

	require.NoError(t, procedural.Put(ctx, &Record{
		ID:          "skill",
		Content:     map[string]any{"skill_name": "refactoring"},
		Importance:  0.6,
		AccessCount: 7,
		SkillLevel:  0.5,
	}))

	// Two cycles at access_count 7: 0.5 → 0.57 → 0.64. Skill is read
	// straight from the table so the check itself never counts as an access.
	skillLevel := func() float64 {
		var level float64
		require.NoError(t, procedural.db.QueryRow(
			`SELECT skill_level FROM memory_records WHERE id = 'skill'`).Scan(&level))
		return level
	}

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)
	assert.InDelta(t, 0.57, skillLevel(), 1e-9)

	report, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)
	assert.InDelta(t, 0.64, skillLevel(), 1e-9)
}

func TestRunCycle_ReinforcementCapAtOne(t *testing.T) {
	engine, _, _, procedural := testEngine(t, 0)
	ctx := context.Background()

	require.NoError(t, procedural.Put(ctx, &Record{
		ID:          "mastered",
		Content:     map[string]any{},
		Importance:  0.6,
		AccessCount: 50,
		SkillLevel:  0.97,
	}))

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)

	got, err := procedural.Get(ctx, "mastered")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.SkillLevel, 1e-9)

	// At the ceiling, further cycles leave the record untouched.
	report, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reinforced)
}

func TestRunCycle_SkipsLowUsageSkills(t *testing.T) {
	engine, _, _, procedural := testEngine(t, 0)
	ctx := context.Background()

	require.NoError(t, procedural.Put(ctx, &Record{
		ID: "rare", Content: map[string]any{}, Importance: 0.6, AccessCount: 5, SkillLevel: 0.5,
	}))

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reinforced)
}

func TestRunCycle_SynthesizesTopSkills(t *testing.T) {
	engine, _, semantic, procedural := testEngine(t, 0)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, procedural.Put(ctx, &Record{
			ID:          fmt.Sprintf("skill%d", i),
			Content:     map[string]any{},
			Importance:  0.5,
			AccessCount: int64(8 + i), // skill3..skill6 exceed the usage floor
			SkillLevel:  0.5,
		}))
	}

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synthesized)

	results, err := semantic.Query(ctx, QueryFilter{Substring: "synthesis"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	syn := results[0]
	assert.InDelta(t, 0.9, syn.Importance, 1e-9)
	assert.InDelta(t, 0.8, syn.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"synthesis", "intelligence_growth"}, syn.Tags)
	assert.InDelta(t, 4, syn.Content["skill_count"], 1e-9)
}

func TestRunCycle_NoSynthesisWithoutQualifyingSkills(t *testing.T) {
	engine, _, _, procedural := testEngine(t, 0)
	ctx := context.Background()

	require.NoError(t, procedural.Put(ctx, &Record{
		ID: "light", Content: map[string]any{}, Importance: 0.5, AccessCount: 10, SkillLevel: 0.5,
	}))

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Synthesized)
}

func TestRunCycle_EvictsStaleUnimportantRecords(t *testing.T) {
	engine, episodic, _, _ := testEngine(t, 0)
	ctx := context.Background()

	putEpisode(t, episodic, "stale", 0.1, 31*24*time.Hour, map[string]any{})
	putEpisode(t, episodic, "recent", 0.1, 24*time.Hour, map[string]any{})
	putEpisode(t, episodic, "old-but-important", 0.6, 31*24*time.Hour, map[string]any{})

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Evicted)

	_, err = episodic.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = episodic.Get(ctx, "recent")
	assert.NoError(t, err)
	_, err = episodic.Get(ctx, "old-but-important")
	assert.NoError(t, err)
}

func TestRunCycle_EvictionSparesAccessedRecords(t *testing.T) {
	engine, episodic, _, _ := testEngine(t, 0)
	ctx := context.Background()

	putEpisode(t, episodic, "touched", 0.1, 31*24*time.Hour, map[string]any{})
	_, err := episodic.Get(ctx, "touched")
	require.NoError(t, err)
	_, err = episodic.Get(ctx, "touched")
	require.NoError(t, err)

	report, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
}

func TestComputeConsciousness(t *testing.T) {
	engine, episodic, semantic, _ := testEngine(t, 0)
	ctx := context.Background()

	level, err := engine.ComputeConsciousness(ctx)
	require.NoError(t, err)
	assert.Zero(t, level)

	putEpisode(t, episodic, "e1", 0.6, time.Hour, map[string]any{})
	require.NoError(t, semantic.Put(ctx, &Record{
		ID: "s1", Content: map[string]any{}, Importance: 0.6, Tags: []string{"synthesis"},
	}))

	level, err = engine.ComputeConsciousness(ctx)
	require.NoError(t, err)
	// f1 = 2/1000, f2 = (0.6/3 + 0.6/3)/3, f3 = 1/100
	want := (2.0/1000 + (0.6/3+0.6/3)/3 + 1.0/100) / 3
	assert.InDelta(t, want, level, 1e-9)
	assert.InDelta(t, want, engine.ConsciousnessLevel(), 1e-9)

	// Recomputing without changes is idempotent.
	again, err := engine.ComputeConsciousness(ctx)
	require.NoError(t, err)
	assert.Equal(t, level, again)
}

func TestRunCycle_SingleFlight(t *testing.T) {
	engine, _, _, _ := testEngine(t, 0)

	engine.runMu.Lock()
	report, err := engine.RunCycle(context.Background())
	engine.runMu.Unlock()

	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestEngine_StartAndStop(t *testing.T) {
	episodic := testStore(t, TierEpisodic)
	semantic := testStore(t, TierSemantic)
	procedural := testStore(t, TierProcedural)
	engine := NewEngine(EngineParams{
		Episodic:   episodic,
		Semantic:   semantic,
		Procedural: procedural,
		// cron rounds sub-second @every specs up to one second, so the
		// first cycle lands about a second after Start.
		Interval:   250 * time.Millisecond,
	})

	putEpisode(t, episodic, "e1", 0.9, 2*time.Hour, map[string]any{
		"task_type": "deploy", "success": true,
	})

	engine.Start()
	engine.Start() // idempotent

	require.Eventually(t, func() bool {
		_, err := semantic.Get(context.Background(), "consolidated_e1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(ctx))
	require.NoError(t, engine.Stop(ctx)) // stopped engines tolerate repeat stops
}
