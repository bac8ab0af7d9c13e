package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store operations used only by the consolidation engine. Each runs in
// its own short transaction so foreground calls interleave freely with
// a running cycle.

// PromotionCandidates returns decrypted episodic records eligible for
// promotion: importance above the floor, still at consolidation level 0,
// created before olderThan, and (when maxAttempts > 0) not yet past the
// extraction retry cap. A record whose content cannot be decrypted or
// decoded is logged and skipped — one bad record never aborts the pass.
func (s *TierStore) PromotionCandidates(ctx context.Context, minImportance float64, olderThan time.Time, maxAttempts int) ([]Record, error) {
	if !s.schema.hasExtractionAttempts {
		return nil, fmt.Errorf("%w: promotion candidates only exist in the episodic tier", ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "memory.promotion_candidates",
		trace.WithAttributes(attribute.Float64("memory.min_importance", minImportance)))
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM memory_records
		WHERE importance > ? AND consolidation_level = 0 AND created_at < ?`, s.columns())
	args := []any{minImportance, olderThan}
	if maxAttempts > 0 {
		query += ` AND extraction_attempts < ?`
		args = append(args, maxAttempts)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting promotion candidates: %w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var candidates []Record
	for rows.Next() {
		rec, rawContent, nonce, err := s.scanRecord(rows)
		if err != nil {
			log.Warn().Err(err).Msg("promotion_candidate_scan_failed")
			continue
		}
		if err := s.decodeContent(ctx, rec, rawContent, nonce); err != nil {
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("promotion_candidate_unreadable")
			continue
		}
		candidates = append(candidates, *rec)
	}
	span.SetAttributes(attribute.Int("memory.candidates", len(candidates)))
	return candidates, rows.Err()
}

// MarkConsolidated advances a record to consolidation level 1. The level
// is forward-only: a record already at or past 1 is left alone.
func (s *TierStore) MarkConsolidated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET consolidation_level = 1 WHERE id = ? AND consolidation_level < 1`, id)
	if err != nil {
		return fmt.Errorf("marking %s consolidated: %w: %v", id, ErrStorageUnavailable, err)
	}
	return nil
}

// RecordExtractionAttempt increments the failed-extraction counter for
// an episodic record and returns the new attempt count.
func (s *TierStore) RecordExtractionAttempt(ctx context.Context, id string) (int, error) {
	if !s.schema.hasExtractionAttempts {
		return 0, fmt.Errorf("%w: extraction attempts only tracked in the episodic tier", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_records SET extraction_attempts = extraction_attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("recording extraction attempt for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT extraction_attempts FROM memory_records WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("reading extraction attempts for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return attempts, tx.Commit()
}

// AppendTag adds a tag to a record if not already present.
func (s *TierStore) AppendTag(ctx context.Context, id, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var tagsJSON string
	if err := tx.QueryRowContext(ctx,
		`SELECT tags FROM memory_records WHERE id = ?`, id).Scan(&tagsJSON); err != nil {
		return fmt.Errorf("reading tags for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return fmt.Errorf("%w: decoding tags for %s: %v", ErrSerialization, id, err)
	}
	for _, t := range tags {
		if t == tag {
			return nil
		}
	}
	tags = append(tags, tag)
	updated, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("%w: encoding tags for %s: %v", ErrSerialization, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_records SET tags = ? WHERE id = ?`, string(updated), id); err != nil {
		return fmt.Errorf("updating tags for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return tx.Commit()
}

// ReinforcementCandidates returns procedural records with access_count
// above minAccess. Content stays undecoded — reinforcement only needs
// the counters.
func (s *TierStore) ReinforcementCandidates(ctx context.Context, minAccess int64) ([]Record, error) {
	if !s.schema.hasSkillLevel {
		return nil, fmt.Errorf("%w: reinforcement only applies to the procedural tier", ErrInvalidArgument)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, access_count, skill_level FROM memory_records WHERE access_count > ?`, minAccess)
	if err != nil {
		return nil, fmt.Errorf("selecting reinforcement candidates: %w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec := Record{Tier: s.schema.tier}
		if err := rows.Scan(&rec.ID, &rec.AccessCount, &rec.SkillLevel); err != nil {
			log.Warn().Err(err).Msg("reinforcement_candidate_scan_failed")
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// UpdateSkillLevel sets the reinforced skill scalar on a procedural record.
func (s *TierStore) UpdateSkillLevel(ctx context.Context, id string, level float64) error {
	if !s.schema.hasSkillLevel {
		return fmt.Errorf("%w: skill_level only exists in the procedural tier", ErrInvalidArgument)
	}
	if level < 0 || level > 1 {
		return fmt.Errorf("%w: skill_level %v out of range [0,1]", ErrInvalidArgument, level)
	}
	if err := s.execWithRetry(ctx,
		`UPDATE memory_records SET skill_level = ? WHERE id = ?`, level, id); err != nil {
		return fmt.Errorf("updating skill level for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	return nil
}

// TopByAccess returns up to n records with access_count above minAccess,
// most-accessed first. Used by cross-tier synthesis; content is not decoded.
func (s *TierStore) TopByAccess(ctx context.Context, minAccess int64, n int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, access_count FROM memory_records WHERE access_count > ?
		 ORDER BY access_count DESC LIMIT ?`, minAccess, n)
	if err != nil {
		return nil, fmt.Errorf("selecting top records by access: %w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec := Record{Tier: s.schema.tier}
		if err := rows.Scan(&rec.ID, &rec.AccessCount); err != nil {
			log.Warn().Err(err).Msg("synthesis_candidate_scan_failed")
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Evict hard-deletes records matching the sweep predicate: importance
// below maxImportance, access_count below maxAccess, created before
// olderThan. Returns the number of deleted records.
func (s *TierStore) Evict(ctx context.Context, maxImportance float64, maxAccess int64, olderThan time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.evict",
		trace.WithAttributes(attribute.String("memory.tier", string(s.schema.tier))))
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE importance < ? AND access_count < ? AND created_at < ?`,
		maxImportance, maxAccess, olderThan)
	if err != nil {
		return 0, fmt.Errorf("evicting %s records: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.recordGauge(ctx)
	}
	span.SetAttributes(attribute.Int64("memory.evicted", deleted))
	return deleted, nil
}
