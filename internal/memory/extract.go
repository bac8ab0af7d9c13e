package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExtractionRule recognizes one content shape during episodic→semantic
// promotion. A rule matches when every required key is present in the
// record's content; the extracted knowledge carries the rule's kind and
// the matched key values. Matching is deterministic — first matching
// rule wins, in declaration order.
type ExtractionRule struct {
	Name         string   `yaml:"name"`
	RequiredKeys []string `yaml:"required_keys"`
	Kind         string   `yaml:"kind"`
}

// DefaultExtractionRules returns the built-in shapes: task outcomes and
// error observations.
func DefaultExtractionRules() []ExtractionRule {
	return []ExtractionRule{
		{
			Name:         "task outcome",
			RequiredKeys: []string{"task_type", "success"},
			Kind:         "success_pattern",
		},
		{
			Name:         "error observation",
			RequiredKeys: []string{"error"},
			Kind:         "error_pattern",
		},
	}
}

type rulesFile struct {
	Rules []ExtractionRule `yaml:"rules"`
}

// LoadExtractionRules reads rules from a YAML file:
//
//	rules:
//	  - name: task outcome
//	    required_keys: [task_type, success]
//	    kind: success_pattern
//
// An empty path yields the built-in defaults.
func LoadExtractionRules(path string) ([]ExtractionRule, error) {
	if path == "" {
		return DefaultExtractionRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extraction rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing extraction rules %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("extraction rules %s: no rules defined", path)
	}
	for i, rule := range f.Rules {
		if rule.Kind == "" || len(rule.RequiredKeys) == 0 {
			return nil, fmt.Errorf("extraction rules %s: rule %d needs kind and required_keys", path, i)
		}
	}
	return f.Rules, nil
}

// Extractor turns raw episodic content into derived knowledge payloads.
type Extractor struct {
	rules []ExtractionRule
}

// NewExtractor builds an extractor over the given rules; nil means the
// built-in defaults.
func NewExtractor(rules []ExtractionRule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultExtractionRules()
	}
	return &Extractor{rules: rules}
}

// Extract returns the knowledge payload derived from content, or nil if
// no rule matches. The payload carries the matched kind plus the values
// of the rule's required keys.
func (e *Extractor) Extract(content map[string]any) map[string]any {
	for _, rule := range e.rules {
		matched := true
		for _, key := range rule.RequiredKeys {
			if _, ok := content[key]; !ok {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		knowledge := map[string]any{"pattern_type": rule.Kind}
		for _, key := range rule.RequiredKeys {
			knowledge[key] = content[key]
		}
		return knowledge
	}
	return nil
}
