package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/config"
	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/crypto"
)

// Manager is the public facade over the memory subsystem. It owns the
// encryption key, the three persisted tier stores, the working tier,
// and the consolidation engine's lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	cfg     *config.Config
	stores  map[Tier]*TierStore
	working *WorkingMemory
	engine  *Engine

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager constructs a manager from explicit configuration: obtains
// (or generates) the key under the data dir, opens the tier stores, and
// starts the consolidation schedule. A corrupt key file is fatal here —
// regenerating one would orphan previously encrypted records.
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data dir: %w: %v", ErrStorageUnavailable, err)
	}

	key, err := crypto.LoadOrCreateKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	paths := map[Tier]string{
		TierEpisodic:   cfg.EpisodicDBPath(),
		TierSemantic:   cfg.SemanticDBPath(),
		TierProcedural: cfg.ProceduralDBPath(),
	}
	stores := make(map[Tier]*TierStore, len(paths))
	for _, tier := range PersistedTiers() {
		cipher, err := crypto.NewCipher(key, string(tier))
		if err != nil {
			closeStores(stores)
			return nil, err
		}
		store, err := OpenTierStore(paths[tier], tier, cipher, cfg.SensitivityThreshold)
		if err != nil {
			closeStores(stores)
			return nil, err
		}
		stores[tier] = store
	}

	rules, err := LoadExtractionRules(cfg.RulesFile)
	if err != nil {
		closeStores(stores)
		return nil, err
	}

	engine := NewEngine(EngineParams{
		Episodic:    stores[TierEpisodic],
		Semantic:    stores[TierSemantic],
		Procedural:  stores[TierProcedural],
		Extractor:   NewExtractor(rules),
		Interval:    cfg.ConsolidationInterval,
		MaxAttempts: cfg.MaxExtractionAttempts,
		OpsPerSec:   cfg.BackgroundOpsPerSec,
	})
	engine.Start()

	return &Manager{
		cfg:     cfg,
		stores:  stores,
		working: NewWorkingMemory(cfg.WorkingCapacity),
		engine:  engine,
	}, nil
}

func closeStores(stores map[Tier]*TierStore) {
	for _, store := range stores {
		_ = store.Close()
	}
}

// StoreEpisodic records a raw experience.
func (m *Manager) StoreEpisodic(ctx context.Context, id string, content map[string]any, importance float64, tags []string, sourceAgent string) error {
	return m.store(ctx, TierEpisodic, &Record{
		ID: id, Content: content, Importance: importance,
		Tags: tags, SourceAgent: sourceAgent, Confidence: 1.0,
	})
}

// StoreSemantic records derived or asserted knowledge with a confidence.
func (m *Manager) StoreSemantic(ctx context.Context, id string, content map[string]any, importance float64, tags []string, sourceAgent string, confidence float64) error {
	return m.store(ctx, TierSemantic, &Record{
		ID: id, Content: content, Importance: importance,
		Tags: tags, SourceAgent: sourceAgent, Confidence: confidence,
	})
}

// StoreProcedural records a skill with its starting level.
func (m *Manager) StoreProcedural(ctx context.Context, id string, content map[string]any, importance float64, tags []string, sourceAgent string, skillLevel float64) error {
	return m.store(ctx, TierProcedural, &Record{
		ID: id, Content: content, Importance: importance,
		Tags: tags, SourceAgent: sourceAgent, Confidence: 1.0, SkillLevel: skillLevel,
	})
}

func (m *Manager) store(ctx context.Context, tier Tier, rec *Record) error {
	if err := m.checkContentSize(rec); err != nil {
		return err
	}
	return m.stores[tier].Put(ctx, rec)
}

// checkContentSize rejects payloads above the configured bound before
// they reach a tier store.
func (m *Manager) checkContentSize(rec *Record) error {
	encoded, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("%w: encoding content for %s: %v", ErrSerialization, rec.ID, err)
	}
	maxBytes := m.cfg.MaxContentKB * 1024
	if len(encoded) > maxBytes {
		return fmt.Errorf("%w: content for %s is %d bytes (max %d)", ErrInvalidArgument, rec.ID, len(encoded), maxBytes)
	}
	return nil
}

// Retrieve finds a record by id. With TierAny the persisted tiers are
// searched in fixed order (episodic, semantic, procedural) and the
// first match wins. A hit increments access_count by exactly one.
func (m *Manager) Retrieve(ctx context.Context, id string, tierFilter Tier) (*Record, error) {
	ctx, span := tracer.Start(ctx, "memory.retrieve",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("memory.tier_filter", string(tierFilter)),
		))
	defer span.End()

	tiers, err := m.selectTiers(tierFilter)
	if err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		rec, err := m.stores[tier].Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
}

// Search queries the selected tiers and merges results in the store
// ordering: importance desc, access_count desc, last_accessed desc.
func (m *Manager) Search(ctx context.Context, query string, tierFilter Tier, limit int, minImportance float64) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.search",
		trace.WithAttributes(
			attribute.String("memory.query", query),
			attribute.String("memory.tier_filter", string(tierFilter)),
		))
	defer span.End()

	tiers, err := m.selectTiers(tierFilter)
	if err != nil {
		return nil, err
	}

	var merged []Record
	for _, tier := range tiers {
		results, err := m.stores[tier].Query(ctx, QueryFilter{
			Substring:     query,
			MinImportance: minImportance,
			Limit:         limit,
		})
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount > b.AccessCount
		}
		return a.LastAccessed.After(b.LastAccessed)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	span.SetAttributes(attribute.Int("memory.results", len(merged)))
	return merged, nil
}

func (m *Manager) selectTiers(filter Tier) ([]Tier, error) {
	switch filter {
	case TierAny, "":
		return PersistedTiers(), nil
	case TierEpisodic, TierSemantic, TierProcedural:
		return []Tier{filter}, nil
	default:
		return nil, fmt.Errorf("%w: cannot retrieve from tier %q", ErrInvalidArgument, filter)
	}
}

// Delete removes a record from the given persisted tier.
func (m *Manager) Delete(ctx context.Context, id string, tier Tier) error {
	store, ok := m.stores[tier]
	if !ok {
		return fmt.Errorf("%w: cannot delete from tier %q", ErrInvalidArgument, tier)
	}
	return store.Delete(ctx, id)
}

// Working returns the ephemeral working tier.
func (m *Manager) Working() *WorkingMemory {
	return m.working
}

// TierStats is one tier's aggregate snapshot.
type TierStats = Aggregate

// Stats is an aggregate snapshot across all tiers plus the derived
// consciousness level. Purely observational; identical across calls
// with no intervening writes.
type Stats struct {
	Tiers              map[Tier]TierStats `json:"tiers"`
	TotalRecords       int64              `json:"total_records"`
	WorkingCount       int                `json:"working_count"`
	ConsciousnessLevel float64            `json:"consciousness_level"`
}

// statsActivityWindow bounds the recent-activity count in Stats.
const statsActivityWindow = 24 * time.Hour

// Stats aggregates every persisted tier and recomputes the consciousness
// level from current store state.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "memory.stats")
	defer span.End()

	stats := &Stats{Tiers: make(map[Tier]TierStats, len(m.stores))}
	for _, tier := range PersistedTiers() {
		agg, err := m.stores[tier].Aggregate(ctx, statsActivityWindow)
		if err != nil {
			return nil, err
		}
		stats.Tiers[tier] = agg
		stats.TotalRecords += agg.Count
	}
	stats.WorkingCount = m.working.Len()

	level, err := m.engine.ComputeConsciousness(ctx)
	if err != nil {
		return nil, err
	}
	stats.ConsciousnessLevel = level
	return stats, nil
}

// RunConsolidationCycle triggers one cycle immediately, outside the
// schedule. Used by the CLI and tests; single-flight with the scheduled
// cycle.
func (m *Manager) RunConsolidationCycle(ctx context.Context) (CycleReport, error) {
	return m.engine.RunCycle(ctx)
}

// Shutdown cancels the consolidation schedule, waits up to the
// configured grace period for an in-flight cycle, then closes all store
// handles. Idempotent: repeat calls return the first outcome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		graceCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
		defer cancel()

		if err := m.engine.Stop(graceCtx); err != nil {
			// Passes commit incrementally; proceed to close handles anyway.
			log.Warn().Err(err).Msg("consolidation_engine_stop_timeout")
		}

		for _, tier := range PersistedTiers() {
			if err := m.stores[tier].Close(); err != nil && m.shutdownErr == nil {
				m.shutdownErr = fmt.Errorf("closing %s store: %w", tier, err)
			}
		}
		m.working.Clear()
		log.Info().Msg("memory_manager_shutdown")
	})
	return m.shutdownErr
}
