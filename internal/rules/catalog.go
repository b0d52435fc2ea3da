// Package rules loads the read-only rule catalog used to validate issues.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sitelens/sitelens/internal/audit"
)

// Catalog is an immutable rule key lookup table. A Catalog value handed to a
// job never changes for the duration of that job; reloads build a new value.
type Catalog struct {
	entries map[string]audit.RuleInfo
}

type catalogFile struct {
	Rules []audit.RuleInfo `yaml:"rules"`
}

// Load reads a YAML catalog from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from service config
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal rule catalog: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule catalog is empty")
	}
	entries := make(map[string]audit.RuleInfo, len(file.Rules))
	for _, rule := range file.Rules {
		if rule.Key == "" {
			return nil, fmt.Errorf("rule catalog entry with empty key")
		}
		if _, dup := entries[rule.Key]; dup {
			return nil, fmt.Errorf("duplicate rule key %q", rule.Key)
		}
		if rule.Severity == "" {
			rule.Severity = audit.SeverityMinor
		}
		entries[rule.Key] = rule
	}
	return &Catalog{entries: entries}, nil
}

// Resolve returns the catalog entry for a rule key. Missing keys are an
// expected condition for callers, never an error.
func (c *Catalog) Resolve(key string) (audit.RuleInfo, bool) {
	info, ok := c.entries[key]
	return info, ok
}

// Len reports how many rules the catalog holds.
func (c *Catalog) Len() int {
	return len(c.entries)
}
