package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/crypto"
)

const baseSchema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    nonce TEXT NOT NULL DEFAULT '',
    importance REAL NOT NULL,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    confidence REAL NOT NULL DEFAULT 1.0,
    source_agent TEXT NOT NULL DEFAULT '',
    encryption_level INTEGER NOT NULL DEFAULT 0,
    consolidation_level INTEGER NOT NULL DEFAULT 0%s
);

CREATE INDEX IF NOT EXISTS idx_memory_importance ON memory_records(importance);
CREATE INDEX IF NOT EXISTS idx_memory_last_accessed ON memory_records(last_accessed);
CREATE INDEX IF NOT EXISTS idx_memory_access_count ON memory_records(access_count);
`

// TierStore persists one memory tier in its own SQLite file. Content is
// encrypted with the tier cipher whenever importance exceeds the
// sensitivity threshold. The *sql.DB serializes concurrent foreground
// and background access; each operation runs in its own short
// transaction so a consolidation cycle never blocks the whole store.
type TierStore struct {
	db        *sql.DB
	schema    tierSchema
	cipher    *crypto.Cipher
	threshold float64
}

// OpenTierStore opens (creating if needed) the store file for the given
// tier. cipher may be nil only in tests; threshold is the importance
// above which content is encrypted at rest.
func OpenTierStore(path string, tier Tier, cipher *crypto.Cipher, threshold float64) (*TierStore, error) {
	schema, ok := tierSchemas[tier]
	if !ok {
		return nil, fmt.Errorf("%w: tier %q has no persisted store", ErrInvalidArgument, tier)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w: %v", tier, ErrStorageUnavailable, err)
	}

	var extra strings.Builder
	if schema.hasSkillLevel {
		extra.WriteString(",\n    skill_level REAL NOT NULL DEFAULT 0")
	}
	if schema.hasExtractionAttempts {
		extra.WriteString(",\n    extraction_attempts INTEGER NOT NULL DEFAULT 0")
	}
	ddl := fmt.Sprintf(baseSchema, extra.String())
	if _, err := db.ExecContext(context.Background(), ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating %s schema: %w: %v", tier, ErrStorageUnavailable, err)
	}

	return &TierStore{db: db, schema: schema, cipher: cipher, threshold: threshold}, nil
}

// Tier returns the tier this store persists.
func (s *TierStore) Tier() Tier {
	return s.schema.tier
}

// Close releases the database handle.
func (s *TierStore) Close() error {
	return s.db.Close()
}

func (s *TierStore) columns() string {
	cols := "id, content, nonce, importance, access_count, created_at, last_accessed, tags, confidence, source_agent, encryption_level, consolidation_level"
	if s.schema.hasSkillLevel {
		cols += ", skill_level"
	}
	return cols
}

// Put upserts a record by id. Content above the sensitivity threshold is
// encrypted before persistence. On conflict the existing access_count,
// created_at, and extraction attempt counter are preserved, and
// consolidation_level never regresses.
func (s *TierStore) Put(ctx context.Context, r *Record) error {
	ctx, span := tracer.Start(ctx, "memory.put",
		trace.WithAttributes(
			attribute.String("memory.tier", string(s.schema.tier)),
			attribute.String("memory.id", r.ID),
		))
	defer span.End()

	if err := r.Validate(); err != nil {
		return err
	}
	r.Tier = s.schema.tier
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastAccessed.IsZero() {
		r.LastAccessed = r.CreatedAt
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}

	plaintext, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Errorf("%w: encoding content for %s: %v", ErrSerialization, r.ID, err)
	}
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("%w: encoding tags for %s: %v", ErrSerialization, r.ID, err)
	}

	contentCol, nonceCol := string(plaintext), ""
	r.EncryptionLevel = 0
	if s.cipher != nil && r.Importance > s.threshold {
		contentCol, nonceCol, err = s.cipher.Seal(plaintext)
		if err != nil {
			return fmt.Errorf("encrypting content for %s: %w", r.ID, err)
		}
		r.EncryptionLevel = 1
	}

	insertCols := "id, content, nonce, importance, access_count, created_at, last_accessed, tags, confidence, source_agent, encryption_level, consolidation_level"
	placeholders := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
	args := []any{
		r.ID, contentCol, nonceCol, r.Importance, r.AccessCount,
		r.CreatedAt, r.LastAccessed, string(tagsJSON), r.Confidence,
		r.SourceAgent, r.EncryptionLevel, r.ConsolidationLevel,
	}
	updates := `content = excluded.content,
		nonce = excluded.nonce,
		importance = excluded.importance,
		last_accessed = excluded.last_accessed,
		tags = excluded.tags,
		confidence = excluded.confidence,
		source_agent = excluded.source_agent,
		encryption_level = excluded.encryption_level,
		consolidation_level = MAX(memory_records.consolidation_level, excluded.consolidation_level)`
	if s.schema.hasSkillLevel {
		insertCols += ", skill_level"
		placeholders += ", ?"
		args = append(args, r.SkillLevel)
		updates += ",\n\t\tskill_level = excluded.skill_level"
	}
	query := fmt.Sprintf(`INSERT INTO memory_records (%s) VALUES (%s)
		ON CONFLICT(id) DO UPDATE SET %s`, insertCols, placeholders, updates)

	if err := s.execWithRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("writing %s record %s: %w: %v", s.schema.tier, r.ID, ErrStorageUnavailable, err)
	}

	writesTotal.Add(ctx, 1)
	s.recordGauge(ctx)
	span.SetAttributes(attribute.Int("memory.encryption_level", r.EncryptionLevel))
	return nil
}

// execWithRetry runs an exec with bounded retries on SQLite busy/locked.
func (s *TierStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// Get retrieves a record by id, atomically incrementing its access count
// and refreshing last_accessed. The returned record carries decrypted
// content; ciphertext that fails to decrypt yields ErrDecryptionFailed.
func (s *TierStore) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "memory.get",
		trace.WithAttributes(
			attribute.String("memory.tier", string(s.schema.tier)),
			attribute.String("memory.id", id),
		))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memory_records WHERE id = ?`, s.columns()), id)
	rec, rawContent, nonce, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s record %s: %w", s.schema.tier, id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s record %s: %w: %v", s.schema.tier, id, ErrStorageUnavailable, err)
	}

	if err := s.decodeContent(ctx, rec, rawContent, nonce); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_records SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		now, id); err != nil {
		return nil, fmt.Errorf("recording access for %s: %w: %v", id, ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing access for %s: %w: %v", id, ErrStorageUnavailable, err)
	}

	rec.AccessCount++
	rec.LastAccessed = now
	readsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("memory.access_count", rec.AccessCount))
	return rec, nil
}

// QueryFilter selects and bounds a tier query.
type QueryFilter struct {
	Substring     string  // case-insensitive match over content and tags; empty matches all
	MinImportance float64 // importance floor
	Limit         int     // max results; <= 0 means no limit
}

// Query returns records ordered by (importance desc, access_count desc,
// last_accessed desc), filtered by importance floor and substring match.
// Access counts are not touched — only retrieve counts as an access.
func (s *TierStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.query",
		trace.WithAttributes(
			attribute.String("memory.tier", string(s.schema.tier)),
			attribute.Float64("memory.min_importance", filter.MinImportance),
		))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memory_records WHERE importance >= ?
			ORDER BY importance DESC, access_count DESC, last_accessed DESC`, s.columns()),
		filter.MinImportance)
	if err != nil {
		return nil, fmt.Errorf("querying %s records: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}
	defer rows.Close()

	needle := strings.ToLower(filter.Substring)
	var results []Record
	for rows.Next() {
		rec, rawContent, nonce, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s record: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
		}
		plaintext, err := s.plaintextFor(ctx, rec, rawContent, nonce)
		if err != nil {
			return nil, err
		}
		if needle != "" && !matchesSubstring(needle, plaintext, rec.Tags) {
			continue
		}
		if err := unmarshalContent(rec, plaintext); err != nil {
			return nil, err
		}
		results = append(results, *rec)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s records: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}

	searchesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.results", len(results)))
	return results, nil
}

func matchesSubstring(needle string, plaintext []byte, tags []string) bool {
	if strings.Contains(strings.ToLower(string(plaintext)), needle) {
		return true
	}
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// Delete removes a record by id. A miss is reported as ErrRecordNotFound.
func (s *TierStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "memory.delete",
		trace.WithAttributes(
			attribute.String("memory.tier", string(s.schema.tier)),
			attribute.String("memory.id", id),
		))
	defer span.End()

	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting %s record %s: %w: %v", s.schema.tier, id, ErrStorageUnavailable, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s record %s: %w", s.schema.tier, id, ErrRecordNotFound)
	}
	deletesTotal.Add(ctx, 1)
	s.recordGauge(ctx)
	return nil
}

// Aggregate summarizes the tier: record count, average importance, max
// access count, and how many records were accessed inside the window.
type Aggregate struct {
	Count               int64   `json:"count"`
	AvgImportance       float64 `json:"avg_importance"`
	MaxAccessCount      int64   `json:"max_access_count"`
	RecentActivityCount int64   `json:"recent_activity_count"`
}

// Aggregate computes tier-level statistics. window bounds the
// recent-activity count (last_accessed within window of now).
func (s *TierStore) Aggregate(ctx context.Context, window time.Duration) (Aggregate, error) {
	ctx, span := tracer.Start(ctx, "memory.aggregate",
		trace.WithAttributes(attribute.String("memory.tier", string(s.schema.tier))))
	defer span.End()

	var agg Aggregate
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(importance), 0), COALESCE(MAX(access_count), 0)
		 FROM memory_records`).Scan(&agg.Count, &agg.AvgImportance, &agg.MaxAccessCount)
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregating %s records: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}

	cutoff := time.Now().UTC().Add(-window)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE last_accessed > ?`, cutoff).
		Scan(&agg.RecentActivityCount)
	if err != nil {
		return Aggregate{}, fmt.Errorf("counting recent %s activity: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}
	return agg, nil
}

// Count returns the number of records in the tier.
func (s *TierStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s records: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}
	return n, nil
}

// CountByTag returns how many records carry the exact tag.
func (s *TierStore) CountByTag(ctx context.Context, tag string) (int64, error) {
	var n int64
	// Tags are stored as a JSON array; the quoted form gives exact-tag match.
	pattern := `%"` + tag + `"%`
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE tags LIKE ?`, pattern).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s records by tag: %w: %v", s.schema.tier, ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *TierStore) recordGauge(ctx context.Context) {
	n, err := s.Count(ctx)
	if err != nil {
		return
	}
	recordsGauge.Record(ctx, n, tierAttr(s.schema.tier))
}

// scanRecord scans one row into a Record, returning the raw content and
// nonce columns undecoded.
func (s *TierStore) scanRecord(row interface{ Scan(...any) error }) (*Record, string, string, error) {
	var rec Record
	var rawContent, nonce, tagsJSON string
	dest := []any{
		&rec.ID, &rawContent, &nonce, &rec.Importance, &rec.AccessCount,
		&rec.CreatedAt, &rec.LastAccessed, &tagsJSON, &rec.Confidence,
		&rec.SourceAgent, &rec.EncryptionLevel, &rec.ConsolidationLevel,
	}
	if s.schema.hasSkillLevel {
		dest = append(dest, &rec.SkillLevel)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, "", "", err
	}
	rec.Tier = s.schema.tier
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, "", "", fmt.Errorf("%w: decoding tags for %s: %v", ErrSerialization, rec.ID, err)
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return &rec, rawContent, nonce, nil
}

// plaintextFor returns the decrypted serialized content for a scanned
// row. The encryption_level flag, not a decrypt-and-see heuristic,
// decides how the bytes are read back.
func (s *TierStore) plaintextFor(ctx context.Context, rec *Record, rawContent, nonce string) ([]byte, error) {
	if rec.EncryptionLevel == 0 {
		return []byte(rawContent), nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("record %s: no cipher configured: %w", rec.ID, ErrDecryptionFailed)
	}
	plaintext, err := s.cipher.Open(rawContent, nonce)
	if err != nil {
		decryptFailures.Add(ctx, 1)
		return nil, fmt.Errorf("record %s: %w: %v", rec.ID, ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func unmarshalContent(rec *Record, plaintext []byte) error {
	if err := json.Unmarshal(plaintext, &rec.Content); err != nil {
		return fmt.Errorf("%w: decoding content for %s: %v", ErrSerialization, rec.ID, err)
	}
	return nil
}

func (s *TierStore) decodeContent(ctx context.Context, rec *Record, rawContent, nonce string) error {
	plaintext, err := s.plaintextFor(ctx, rec, rawContent, nonce)
	if err != nil {
		return err
	}
	return unmarshalContent(rec, plaintext)
}
