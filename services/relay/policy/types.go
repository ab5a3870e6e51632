// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Severity indicates how a matched rule is reported. Every severity blocks
// the query; the level only controls log verbosity on the caller side.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// QueryPolicyFile is the on-disk (embedded) shape of the rule set.
type QueryPolicyFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rule is a named group of deny patterns applied to candidate SQL.
// Rules are evaluated from highest to lowest Priority; the first pattern
// match wins and the query is rejected.
type Rule struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Patterns         []Pattern        `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

type Pattern struct {
	Id          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Regex       string   `yaml:"regex"`
	Severity    Severity `yaml:"severity"`
}

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	incoming := Severity(raw)
	switch incoming {
	case SeverityCritical, SeverityHigh, SeverityMedium:
		*s = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for Severity: %q", incoming)
	}
}

// CompileRegexes pre-compiles every pattern in the file. All rule regexes
// are authored case-insensitively, so the compiler prepends (?i) here
// rather than repeating it in every YAML entry.
func (f *QueryPolicyFile) CompileRegexes() error {
	for i := range f.Rules {
		for j := range f.Rules[i].Patterns {
			pattern := &f.Rules[i].Patterns[j]
			re, err := regexp.Compile("(?i)" + pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			f.Rules[i].CompiledPatterns = append(f.Rules[i].CompiledPatterns, re)
		}
	}
	return nil
}

// SortByPriority orders rules from highest to lowest priority so the most
// severe categories are reported first when a query trips several rules.
func (f *QueryPolicyFile) SortByPriority() {
	sort.Slice(f.Rules, func(i, j int) bool {
		return f.Rules[i].Priority > f.Rules[j].Priority
	})
}

// Violation describes why a query was rejected.
type Violation struct {
	RuleName  string
	PatternId string
	Detail    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("query rejected by policy rule %s (%s): %s", v.RuleName, v.PatternId, v.Detail)
}
