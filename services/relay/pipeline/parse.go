// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"encoding/json"
	"strings"
)

// Visualization kinds the client knows how to render. Anything else the
// model invents is downgraded to a text summary.
const (
	VizTable       = "table"
	VizBarChart    = "bar_chart"
	VizPieChart    = "pie_chart"
	VizLineChart   = "line_chart"
	VizScatterPlot = "scatter_plot"
	VizTextSummary = "text_summary"
)

var validVisualizations = map[string]struct{}{
	VizTable:       {},
	VizBarChart:    {},
	VizPieChart:    {},
	VizLineChart:   {},
	VizScatterPlot: {},
	VizTextSummary: {},
}

const maxHeuristicInsights = 5

// Synthesis is the structured outcome of the second phase.
type Synthesis struct {
	SelectedVisualization string         `json:"selected_visualization"`
	VisualizationData     map[string]any `json:"visualization_data"`
	Insights              []string       `json:"insights"`

	// FallbackApplied is set when the model's output could not be used as
	// delivered: either its JSON never parsed or it chose a visualization
	// the client cannot render.
	FallbackApplied bool `json:"-"`

	// Answer is the raw streamed text; AnswerHash is its SHA-256 hex digest.
	Answer     string `json:"-"`
	AnswerHash string `json:"-"`
}

// parseSynthesis turns a raw model answer into a Synthesis. It tries, in
// order:
//
//  1. the whole answer as a JSON object,
//  2. the contents of a ```json fenced block,
//  3. the first balanced JSON object containing "selected_visualization",
//  4. a heuristic text summary built from the answer itself.
//
// Only the last rung sets FallbackApplied here; an unknown visualization
// kind from rungs 1-3 is downgraded afterwards and also marked.
func parseSynthesis(answer string) Synthesis {
	for _, candidate := range jsonCandidates(answer) {
		var parsed Synthesis
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		if parsed.SelectedVisualization == "" {
			continue
		}
		return validateVisualization(parsed)
	}
	return heuristicSummary(answer)
}

// jsonCandidates yields the parse ladder's candidate payloads in order.
func jsonCandidates(answer string) []string {
	candidates := []string{strings.TrimSpace(answer)}
	if fenced := extractFencedJSON(answer); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if embedded := extractEmbeddedObject(answer); embedded != "" {
		candidates = append(candidates, embedded)
	}
	return candidates
}

// extractFencedJSON returns the body of the first ```json fence, or the
// first bare ``` fence if no tagged one exists.
func extractFencedJSON(answer string) string {
	for _, tag := range []string{"```json", "```"} {
		start := strings.Index(answer, tag)
		if start < 0 {
			continue
		}
		body := answer[start+len(tag):]
		end := strings.Index(body, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(body[:end])
	}
	return ""
}

// extractEmbeddedObject scans for a balanced top-level object that mentions
// the selected_visualization key. Brace counting ignores braces inside JSON
// strings.
func extractEmbeddedObject(answer string) string {
	for start := 0; start < len(answer); start++ {
		if answer[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(answer); i++ {
			c := answer[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := answer[start : i+1]
					if strings.Contains(candidate, `"selected_visualization"`) {
						return candidate
					}
					// Skip past this object and look for the next one.
					start = i
					i = len(answer)
				}
			}
		}
		if depth != 0 {
			break
		}
	}
	return ""
}

// validateVisualization enforces the closed kind set. Unknown kinds keep
// their insights but are silently downgraded to a text summary.
func validateVisualization(s Synthesis) Synthesis {
	if _, ok := validVisualizations[s.SelectedVisualization]; ok {
		return s
	}
	downgraded := s
	downgraded.SelectedVisualization = VizTextSummary
	downgraded.VisualizationData = map[string]any{"content": summaryText(s)}
	downgraded.FallbackApplied = true
	return downgraded
}

func summaryText(s Synthesis) string {
	if text, ok := s.VisualizationData["content"].(string); ok && text != "" {
		return text
	}
	if len(s.Insights) > 0 {
		return strings.Join(s.Insights, " ")
	}
	return "The requested visualization could not be rendered."
}

// insightKeywords marks prose lines worth surfacing when the model answers
// without structure. Matched case-insensitively as substrings.
var insightKeywords = []string{
	"fight", "knockout", "submission", "decision", "strike", "takedown",
	"round", "title", "champion", "record", "bout", "win", "loss",
}

// heuristicSummary is the ladder's last rung: treat the answer as prose and
// lift bolded, bulleted, or domain-relevant lines out as insights. When no
// line qualifies, the first few non-empty lines stand in.
func heuristicSummary(answer string) Synthesis {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		trimmed = "The model returned an empty answer."
	}

	var matched, plain []string
	for _, line := range strings.Split(trimmed, "\n") {
		raw := strings.TrimSpace(line)
		clean := strings.TrimSpace(strings.TrimLeft(strings.ReplaceAll(raw, "**", ""), "-*• \t"))
		if clean == "" || strings.HasPrefix(clean, "```") {
			continue
		}
		if isInsightLine(raw) {
			matched = append(matched, clean)
		}
		plain = append(plain, clean)
	}
	insights := matched
	if len(insights) == 0 {
		insights = plain
	}
	if len(insights) > maxHeuristicInsights {
		insights = insights[:maxHeuristicInsights]
	}

	return Synthesis{
		SelectedVisualization: VizTextSummary,
		VisualizationData:     map[string]any{"content": trimmed},
		Insights:              insights,
		FallbackApplied:       true,
	}
}

func isInsightLine(raw string) bool {
	if strings.HasPrefix(raw, "-") || strings.HasPrefix(raw, "*") || strings.HasPrefix(raw, "•") {
		return true
	}
	if strings.Contains(raw, "**") {
		return true
	}
	lower := strings.ToLower(raw)
	for _, kw := range insightKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
