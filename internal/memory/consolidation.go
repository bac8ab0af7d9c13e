package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/otel"
)

// Fixed consolidation thresholds. The sensitivity threshold for
// encryption is configurable; these govern the derived-knowledge
// pipeline and match the store's documented behavior.
const (
	promotionMinImportance = 0.7
	promotionMinAge        = time.Hour
	promotedImportance     = 0.8
	promotedConfidence     = 0.85

	reinforcementMinAccess = 5
	reinforcementMaxDelta  = 0.1

	synthesisMinAccess = 10
	synthesisTopN      = 5

	evictionMaxImportance = 0.3
	evictionMaxAccess     = 2
	evictionMinAge        = 30 * 24 * time.Hour
)

// ExhaustedTag marks episodic records whose extraction retry cap was
// reached; they are skipped by later promotion passes.
const ExhaustedTag = "extraction_exhausted"

// CycleReport summarizes one consolidation cycle.
type CycleReport struct {
	Skipped       bool    `json:"skipped"` // previous cycle still running
	Promoted      int     `json:"promoted"`
	Reinforced    int     `json:"reinforced"`
	Synthesized   int     `json:"synthesized"`
	Evicted       int64   `json:"evicted"`
	Consciousness float64 `json:"consciousness_level"`
}

// Engine runs the background consolidation passes: episodic→semantic
// promotion, procedural reinforcement, cross-tier synthesis, derived
// metric recompute, and the eviction sweep. One cancellable scheduled
// task per engine; cycles are single-flight.
type Engine struct {
	episodic   *TierStore
	semantic   *TierStore
	procedural *TierStore
	extractor  *Extractor

	interval    time.Duration
	maxAttempts int // extraction retry cap; 0 = retry forever

	// limiter paces per-record background operations so a cycle cannot
	// monopolize the store handles against foreground calls.
	limiter *rate.Limiter

	cron  *cron.Cron
	runMu sync.Mutex // single-flight guard for cycles

	consciousness atomic.Uint64 // float64 bits of the last computed level
}

// EngineParams configures a consolidation engine.
type EngineParams struct {
	Episodic    *TierStore
	Semantic    *TierStore
	Procedural  *TierStore
	Extractor   *Extractor
	Interval    time.Duration
	MaxAttempts int
	OpsPerSec   int
}

// NewEngine builds an engine; Start schedules it.
func NewEngine(p EngineParams) *Engine {
	if p.Extractor == nil {
		p.Extractor = NewExtractor(nil)
	}
	if p.OpsPerSec <= 0 {
		p.OpsPerSec = 200
	}
	return &Engine{
		episodic:    p.Episodic,
		semantic:    p.Semantic,
		procedural:  p.Procedural,
		extractor:   p.Extractor,
		interval:    p.Interval,
		maxAttempts: p.MaxAttempts,
		limiter:     rate.NewLimiter(rate.Limit(p.OpsPerSec), p.OpsPerSec),
	}
}

// Start schedules the cycle on the fixed interval. Idempotent per engine
// lifetime: calling Start on a started engine is a no-op.
func (e *Engine) Start() {
	if e.cron != nil {
		return
	}
	e.cron = cron.New()
	// AddFunc only fails on a malformed spec; "@every" with a positive
	// duration is always valid.
	_, _ = e.cron.AddFunc(fmt.Sprintf("@every %s", e.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.interval)
		defer cancel()
		if _, err := e.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("consolidation_cycle_failed")
		}
	})
	e.cron.Start()
	log.Info().Dur("interval", e.interval).Msg("consolidation_engine_started")
}

// Stop cancels the schedule and waits for any in-flight cycle, bounded
// by ctx. Passes commit incrementally, so returning before the cycle
// finishes costs at most a partial cycle, never corruption.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron == nil {
		return nil
	}
	stopped := e.cron.Stop()
	e.cron = nil
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consolidation cycle still running at shutdown grace expiry: %w", ctx.Err())
	}
}

// RunCycle executes one consolidation cycle. If a cycle is already in
// flight the call returns immediately with Skipped set. A failure in one
// record's processing is logged and does not abort the pass or cycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.runMu.TryLock() {
		cyclesSkipped.Add(ctx, 1)
		log.Debug().Msg("consolidation_cycle_skipped")
		return CycleReport{Skipped: true}, nil
	}
	defer e.runMu.Unlock()

	ctx, span := tracer.Start(ctx, "memory.consolidation_cycle")
	defer span.End()

	started := time.Now()
	var report CycleReport

	report.Promoted = e.promote(ctx)
	report.Reinforced = e.reinforce(ctx)
	report.Synthesized = e.synthesize(ctx)

	level, err := e.ComputeConsciousness(ctx)
	if err != nil {
		log.Error().Err(err).Msg("consciousness_recompute_failed")
	} else {
		report.Consciousness = level
	}

	report.Evicted = e.evict(ctx)

	cyclesTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("consolidation.promoted", report.Promoted),
		attribute.Int("consolidation.reinforced", report.Reinforced),
		attribute.Int("consolidation.synthesized", report.Synthesized),
		attribute.Int64("consolidation.evicted", report.Evicted),
	)
	log.Info().
		Int("promoted", report.Promoted).
		Int("reinforced", report.Reinforced).
		Int("synthesized", report.Synthesized).
		Int64("evicted", report.Evicted).
		Float64("consciousness_level", report.Consciousness).
		Dur("elapsed", time.Since(started)).
		Func(otel.LogTraceFields(ctx)).
		Msg("consolidation_cycle_completed")
	return report, nil
}

// promote runs the episodic→semantic pass: eligible raw episodes whose
// content matches a recognized shape become derived semantic knowledge.
func (e *Engine) promote(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "memory.consolidation.promote")
	defer span.End()

	cutoff := time.Now().UTC().Add(-promotionMinAge)
	candidates, err := e.episodic.PromotionCandidates(ctx, promotionMinImportance, cutoff, e.maxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("promotion_pass_failed")
		return 0
	}

	promoted := 0
	for i := range candidates {
		src := &candidates[i]
		if err := e.limiter.Wait(ctx); err != nil {
			return promoted
		}

		knowledge := e.extractor.Extract(src.Content)
		if knowledge == nil {
			e.recordFailedExtraction(ctx, src.ID)
			continue
		}
		knowledge["source_id"] = src.ID

		derived := &Record{
			ID:          "consolidated_" + src.ID,
			Content:     knowledge,
			Importance:  promotedImportance,
			Confidence:  promotedConfidence,
			Tags:        []string{"consolidated", "pattern"},
			SourceAgent: "consolidation_engine",
		}
		if err := e.semantic.Put(ctx, derived); err != nil {
			log.Error().Err(err).Str("record_id", src.ID).Msg("promotion_write_failed")
			continue
		}
		if err := e.episodic.MarkConsolidated(ctx, src.ID); err != nil {
			log.Error().Err(err).Str("record_id", src.ID).Msg("promotion_mark_failed")
			continue
		}
		promoted++
	}

	if promoted > 0 {
		promotionsTotal.Add(ctx, int64(promoted))
	}
	span.SetAttributes(attribute.Int("consolidation.promoted", promoted))
	return promoted
}

// recordFailedExtraction bumps the retry counter and, when the cap is
// reached, tags the record so later passes stop reconsidering it. With
// no cap configured the record is simply retried next cycle.
func (e *Engine) recordFailedExtraction(ctx context.Context, id string) {
	attempts, err := e.episodic.RecordExtractionAttempt(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("record_id", id).Msg("extraction_attempt_record_failed")
		return
	}
	if e.maxAttempts > 0 && attempts >= e.maxAttempts {
		if err := e.episodic.AppendTag(ctx, id, ExhaustedTag); err != nil {
			log.Warn().Err(err).Str("record_id", id).Msg("extraction_exhausted_tag_failed")
		}
	}
}

// reinforce grows skill_level on frequently accessed procedural records.
// The increase is cumulative per cycle and capped at 1.0.
func (e *Engine) reinforce(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "memory.consolidation.reinforce")
	defer span.End()

	candidates, err := e.procedural.ReinforcementCandidates(ctx, reinforcementMinAccess)
	if err != nil {
		log.Error().Err(err).Msg("reinforcement_pass_failed")
		return 0
	}

	reinforced := 0
	for i := range candidates {
		rec := &candidates[i]
		if err := e.limiter.Wait(ctx); err != nil {
			return reinforced
		}

		delta := math.Min(reinforcementMaxDelta, float64(rec.AccessCount)*0.01)
		level := math.Min(1.0, rec.SkillLevel+delta)
		if level == rec.SkillLevel {
			continue
		}
		if err := e.procedural.UpdateSkillLevel(ctx, rec.ID, level); err != nil {
			log.Error().Err(err).Str("record_id", rec.ID).Msg("reinforcement_update_failed")
			continue
		}
		reinforced++
	}

	if reinforced > 0 {
		reinforcementsTotal.Add(ctx, int64(reinforced))
	}
	span.SetAttributes(attribute.Int("consolidation.reinforced", reinforced))
	return reinforced
}

// synthesize aggregates the most-used procedural skills into one
// semantic synthesis record per cycle, when any qualify.
func (e *Engine) synthesize(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "memory.consolidation.synthesize")
	defer span.End()

	top, err := e.procedural.TopByAccess(ctx, synthesisMinAccess, synthesisTopN)
	if err != nil {
		log.Error().Err(err).Msg("synthesis_pass_failed")
		return 0
	}
	if len(top) == 0 {
		return 0
	}

	skills := make([]map[string]any, 0, len(top))
	for i := range top {
		skills = append(skills, map[string]any{
			"skill": top[i].ID,
			"usage": top[i].AccessCount,
		})
	}
	rec := &Record{
		ID: "synthesis_" + uuid.New().String()[:12],
		Content: map[string]any{
			"skills":      skills,
			"skill_count": len(skills),
		},
		Importance:  0.9,
		Confidence:  0.8,
		Tags:        []string{"synthesis", "intelligence_growth"},
		SourceAgent: "consolidation_engine",
	}
	if err := e.semantic.Put(ctx, rec); err != nil {
		log.Error().Err(err).Msg("synthesis_write_failed")
		return 0
	}

	synthesesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("consolidation.skills", len(skills)))
	return 1
}

// ComputeConsciousness recomputes the derived observational metric:
// mean of store-size, average-importance, and synthesis-density factors.
// It never gates behavior.
func (e *Engine) ComputeConsciousness(ctx context.Context) (float64, error) {
	ctx, span := tracer.Start(ctx, "memory.consolidation.consciousness")
	defer span.End()

	stores := []*TierStore{e.episodic, e.semantic, e.procedural}
	var total int64
	var importanceSum float64
	for _, store := range stores {
		agg, err := store.Aggregate(ctx, 24*time.Hour)
		if err != nil {
			return 0, err
		}
		total += agg.Count
		importanceSum += agg.AvgImportance
	}
	synthCount, err := e.semantic.CountByTag(ctx, "synthesis")
	if err != nil {
		return 0, err
	}

	f1 := math.Min(1, float64(total)/1000)
	f2 := (importanceSum / float64(len(stores))) / 3
	f3 := math.Min(1, float64(synthCount)/100)
	level := (f1 + f2 + f3) / 3

	e.consciousness.Store(math.Float64bits(level))
	consciousnessGauge.Record(ctx, level)
	span.SetAttributes(attribute.Float64("memory.consciousness_level", level))
	return level, nil
}

// ConsciousnessLevel returns the last computed level without touching
// the stores.
func (e *Engine) ConsciousnessLevel() float64 {
	return math.Float64frombits(e.consciousness.Load())
}

// evict sweeps all tiers for stale, unimportant, rarely accessed
// records. It runs after promotion so promotable records are considered
// first.
func (e *Engine) evict(ctx context.Context) int64 {
	ctx, span := tracer.Start(ctx, "memory.consolidation.evict")
	defer span.End()

	cutoff := time.Now().UTC().Add(-evictionMinAge)
	var evicted int64
	for _, store := range []*TierStore{e.episodic, e.semantic, e.procedural} {
		n, err := store.Evict(ctx, evictionMaxImportance, evictionMaxAccess, cutoff)
		if err != nil {
			log.Error().Err(err).Str("tier", string(store.Tier())).Msg("eviction_sweep_failed")
			continue
		}
		evicted += n
	}

	if evicted > 0 {
		evictionsTotal.Add(ctx, evicted)
	}
	span.SetAttributes(attribute.Int64("consolidation.evicted", evicted))
	return evicted
}
