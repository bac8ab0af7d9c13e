package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_TaskOutcome(t *testing.T) {
	ex := NewExtractor(nil)

	knowledge := ex.Extract(map[string]any{
		"task_type": "deploy",
		"success":   true,
		"duration":  12.5,
	})
	require.NotNil(t, knowledge)
	assert.Equal(t, "success_pattern", knowledge["pattern_type"])
	assert.Equal(t, "deploy", knowledge["task_type"])
	assert.Equal(t, true, knowledge["success"])
	assert.NotContains(t, knowledge, "duration")
}

func TestExtract_ErrorObservation(t *testing.T) {
	ex := NewExtractor(nil)

	knowledge := ex.Extract(map[string]any{"error": "connection refused"})
	require.NotNil(t, knowledge)
	assert.Equal(t, "error_pattern", knowledge["pattern_type"])
	assert.Equal(t, "connection refused", knowledge["error"])
}

func TestExtract_NoMatch(t *testing.T) {
	ex := NewExtractor(nil)
	assert.Nil(t, ex.Extract(map[string]any{"note": "nothing recognizable"}))
}

func TestExtract_FirstMatchWins(t *testing.T) {
	ex := NewExtractor(nil)

	// Content satisfying both shapes resolves to the first declared rule.
	knowledge := ex.Extract(map[string]any{
		"task_type": "probe",
		"success":   false,
		"error":     "timeout",
	})
	require.NotNil(t, knowledge)
	assert.Equal(t, "success_pattern", knowledge["pattern_type"])
}

func TestLoadExtractionRules_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: tool usage
    required_keys: [tool, outcome]
    kind: tool_pattern
`), 0o600))

	rules, err := LoadExtractionRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "tool_pattern", rules[0].Kind)
	assert.Equal(t, []string{"tool", "outcome"}, rules[0].RequiredKeys)

	knowledge := NewExtractor(rules).Extract(map[string]any{"tool": "grep", "outcome": "hit"})
	require.NotNil(t, knowledge)
	assert.Equal(t, "tool_pattern", knowledge["pattern_type"])
}

func TestLoadExtractionRules_EmptyPathUsesDefaults(t *testing.T) {
	rules, err := LoadExtractionRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultExtractionRules(), rules)
}

func TestLoadExtractionRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing file", ""},
		{"no rules", "rules: []"},
		{"rule without kind", "rules:\n  - name: broken\n    required_keys: [x]"},
		{"bad yaml", "rules: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			if tt.name != "missing file" {
				require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			}
			_, err := LoadExtractionRules(path)
			assert.Error(t, err)
		})
	}
}
