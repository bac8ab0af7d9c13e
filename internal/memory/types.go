// Package memory implements the multi-tier memory store: three
// persisted, encrypted-at-rest tiers (episodic, semantic, procedural),
// an ephemeral working tier, and a background consolidation engine that
// promotes raw experience into derived knowledge.
package memory

import (
	"fmt"
	"time"

	"github.com/Joeromance84/echo-nexus-agi-sub003/internal/otel"
)

var tracer = otel.Tracer("github.com/Joeromance84/echo-nexus-agi-sub003/internal/memory")

// Tier identifies one of the memory categories.
type Tier string

const (
	TierEpisodic   Tier = "episodic"   // What happened: raw experience records
	TierSemantic   Tier = "semantic"   // What is known: consolidated and synthesized knowledge
	TierProcedural Tier = "procedural" // How to do things: skills reinforced by use
	TierWorking    Tier = "working"    // Ephemeral scratch space, never persisted

	// TierAny selects all persisted tiers in retrieve/search calls.
	TierAny Tier = "any"
)

// PersistedTiers lists the tiers backed by a store file, in the fixed
// order retrieve searches them.
func PersistedTiers() []Tier {
	return []Tier{TierEpisodic, TierSemantic, TierProcedural}
}

// ParseTier validates a tier name from CLI/config input. "any" and ""
// both mean all persisted tiers.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierEpisodic, TierSemantic, TierProcedural:
		return Tier(s), nil
	case TierAny, "":
		return TierAny, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, s)
	}
}

// Record is one memory entry in a persisted tier.
type Record struct {
	ID                 string         `json:"id"`
	Tier               Tier           `json:"tier"`
	Content            map[string]any `json:"content"`
	Importance         float64        `json:"importance"`          // retention priority in [0,1]
	AccessCount        int64          `json:"access_count"`        // +1 per successful retrieve, never decreases
	CreatedAt          time.Time      `json:"created_at"`
	LastAccessed       time.Time      `json:"last_accessed"`
	Tags               []string       `json:"tags"`
	Confidence         float64        `json:"confidence"` // in [0,1]
	SourceAgent        string         `json:"source_agent"`
	EncryptionLevel    int            `json:"encryption_level"`    // 1 iff persisted content is ciphertext
	ConsolidationLevel int            `json:"consolidation_level"` // 0 raw → 1 consolidated → 2 synthesized; forward-only
	SkillLevel         float64        `json:"skill_level,omitempty"` // procedural tier only
}

// tierSchema describes the per-tier optional columns, so one store
// implementation serves all three persisted tiers.
type tierSchema struct {
	tier                  Tier
	hasSkillLevel         bool // procedural: reinforced skill scalar
	hasExtractionAttempts bool // episodic: failed-promotion retry counter
}

var tierSchemas = map[Tier]tierSchema{
	TierEpisodic:   {tier: TierEpisodic, hasExtractionAttempts: true},
	TierSemantic:   {tier: TierSemantic},
	TierProcedural: {tier: TierProcedural, hasSkillLevel: true},
}

// Hardcoded forbidden tags — writes carrying these are ALWAYS rejected,
// regardless of configuration.
var forbiddenTags = map[string]bool{
	"credential_data":  true,
	"prompt_injection": true,
}

// IsForbiddenTag returns true for tags that may never be stored.
func IsForbiddenTag(tag string) bool {
	return forbiddenTags[tag]
}

// Validate checks the record against the data-model invariants. It does
// not inspect content — the payload is opaque by contract.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: record id must not be empty", ErrInvalidArgument)
	}
	if r.Importance < 0 || r.Importance > 1 {
		return fmt.Errorf("%w: importance %v out of range [0,1]", ErrInvalidArgument, r.Importance)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidArgument, r.Confidence)
	}
	if r.SkillLevel < 0 || r.SkillLevel > 1 {
		return fmt.Errorf("%w: skill_level %v out of range [0,1]", ErrInvalidArgument, r.SkillLevel)
	}
	if r.ConsolidationLevel < 0 || r.ConsolidationLevel > 2 {
		return fmt.Errorf("%w: consolidation_level %d out of range [0,2]", ErrInvalidArgument, r.ConsolidationLevel)
	}
	for _, tag := range r.Tags {
		if IsForbiddenTag(tag) {
			return fmt.Errorf("%w: tag %q is forbidden", ErrInvalidArgument, tag)
		}
	}
	return nil
}
