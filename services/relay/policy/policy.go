// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy screens model-authored SQL before it is allowed near the
// statistics database.
//
// # Description
//
// The reasoning model is free-text: whatever SQL it emits must be treated as
// hostile input. The engine enforces a read-only contract in two layers. The
// first layer is structural: exactly one statement, and it must begin with
// SELECT or WITH. The second layer is a deny list of regex rules embedded in
// the binary at compile time, covering writes, DDL, session control, and the
// usual escape hatches (COPY, DO, comment injection). Rules live in
// rules/query_rules.yaml and cannot be changed on a deployed host without
// rebuilding the binary.
//
// # Limitations
//
// This is pattern screening, not SQL parsing. It will reject some legitimate
// SELECTs (for example a column literally named "delete"). That trade is
// intentional: false rejections surface as a failed tool invocation the model
// can rephrase around, while a false acceptance would hand the model a write.
package policy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// queryRules holds the raw bytes of the embedded rule file. Baking the rules
// into the binary keeps the read-only contract immutable at runtime.
//
//go:embed rules/query_rules.yaml
var queryRules []byte

// Engine is the compiled form of the embedded rule set. It is immutable
// after construction and safe for concurrent use.
type Engine struct {
	Rules []Rule
}

// NewEngine parses the embedded rule file, compiles every pattern, and sorts
// the rules by priority.
//
// Returns an error only if the embedded YAML is malformed or a pattern fails
// to compile, both of which indicate a broken build rather than bad input.
func NewEngine() (*Engine, error) {
	var file QueryPolicyFile
	if err := yaml.Unmarshal(queryRules, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded query rules: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a query rule: %w", err)
	}
	file.SortByPriority()
	return &Engine{Rules: file.Rules}, nil
}

// Check validates a single candidate SQL statement against the read-only
// contract. A nil return means the query may be forwarded to the database.
//
// The structural checks run before the rule set so the caller gets the most
// specific rejection reason available.
func (e *Engine) Check(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &Violation{RuleName: "structure", PatternId: "ST-000", Detail: "empty query"}
	}
	// A single trailing semicolon is tolerated; anything after it is not.
	body := strings.TrimSuffix(trimmed, ";")
	lowered := strings.ToLower(body)
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return &Violation{
			RuleName:  "structure",
			PatternId: "ST-001",
			Detail:    "only SELECT statements are permitted",
		}
	}
	for _, rule := range e.Rules {
		for i, re := range rule.CompiledPatterns {
			if loc := re.FindString(body); loc != "" {
				return &Violation{
					RuleName:  rule.Name,
					PatternId: rule.Patterns[i].Id,
					Detail:    fmt.Sprintf("%s (matched %q)", rule.Patterns[i].Description, strings.TrimSpace(loc)),
				}
			}
		}
	}
	return nil
}
