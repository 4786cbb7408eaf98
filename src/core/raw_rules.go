package core

import "fmt"

// A RawRule is the unvalidated attribute data for a single rule instance as
// returned by the build file interpreter.
type RawRule struct {
	// Short name of the rule, i.e. the 'name' attribute.
	Name string `json:"name"`
	// Rule type, e.g. "genrule" or "filegroup".
	Type string `json:"type"`
	// All other attributes, loosely typed.
	Attrs map[string]Attr `json:"attrs"`
}

// A RawRuleMap holds everything produced by parsing one build file: its rules,
// in declaration order, and the set of files the parse actually read.
// It is never mutated after creation; a re-parse replaces it wholesale.
type RawRuleMap struct {
	// The build file this was parsed from, relative to the cell root.
	BuildFile string
	// Rules in declaration order.
	Rules []*RawRule
	// Files read during the parse (the build file itself plus its transitive
	// includes), relative to the cell root. Changes to any of these invalidate
	// the cached map.
	FilesRead []string

	byName map[string]*RawRule
}

// NewRawRuleMap constructs a RawRuleMap, indexing its rules by name. Two rules
// sharing one name is an error; later references couldn't tell which one they
// meant.
func NewRawRuleMap(buildFile string, rules []*RawRule, filesRead []string) (*RawRuleMap, error) {
	m := &RawRuleMap{
		BuildFile: buildFile,
		Rules:     rules,
		FilesRead: filesRead,
		byName:    make(map[string]*RawRule, len(rules)),
	}
	for _, rule := range rules {
		if _, present := m.byName[rule.Name]; present {
			return nil, fmt.Errorf("Target %s is defined more than once in %s", rule.Name, buildFile)
		}
		m.byName[rule.Name] = rule
	}
	return m, nil
}

// Rule returns the rule with the given short name, or nil if it doesn't exist.
func (m *RawRuleMap) Rule(name string) *RawRule {
	return m.byName[name]
}

// RuleNames returns the short names of all rules, in declaration order.
func (m *RawRuleMap) RuleNames() []string {
	names := make([]string, len(m.Rules))
	for i, rule := range m.Rules {
		names[i] = rule.Name
	}
	return names
}
