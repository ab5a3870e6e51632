// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/tmc/langchaingo/prompts"
)

// phase1SystemPrompt primes the data-gathering model. The schema block is
// the model's only map of the database; keep it in sync with migrations.
var phase1SystemPrompt = prompts.PromptTemplate{
	TemplateFormat: prompts.TemplateFormatFString,
	Template: `You are a combat sports statistics analyst with read-only SQL access to a PostgreSQL database.

Database schema:
  fighters(id, name, nickname, weight_class, stance, height_cm, reach_cm, wins, losses, draws, debut_date)
  events(id, name, promotion, event_date, venue, city, country)
  bouts(id, event_id, fighter1_id, fighter2_id, weight_class, scheduled_rounds, winner_id, method, ending_round, ending_time)
  bout_stats(id, bout_id, fighter_id, sig_strikes_landed, sig_strikes_attempted, takedowns_landed, takedowns_attempted, control_time_seconds, knockdowns, sub_attempts)

To answer the question, call execute_raw_sql_query with a single SELECT
statement. Call it again if the first result is not enough. When you have
the data you need, reply with a short summary instead of another tool call.

Question: {question}`,
	InputVariables: []string{"question"},
}

// phase2SystemPrompt drives the synthesis pass. The JSON contract here is
// what the response parser expects; the parse ladder in parse.go
// tolerates prose around the object but not a different shape.
var phase2SystemPrompt = prompts.PromptTemplate{
	TemplateFormat: prompts.TemplateFormatFString,
	Template: `You are a combat sports analyst presenting query results to a fan.

The user asked: {question}

The analyst's read on the question: {intent}

The SQL query that was executed:
{query}

The query result as JSON:
{result}

Respond with a single JSON object, no other text, in this exact shape:
{{
  "selected_visualization": one of "table", "bar_chart", "pie_chart", "line_chart", "scatter_plot", "text_summary",
  "visualization_data": an object with the fields the chosen visualization needs,
  "insights": an array of up to 5 short observations about the data
}}

Pick the visualization that best fits the result shape. Use "text_summary"
with {{"content": "..."}} when the result is a single value or empty.`,
	InputVariables: []string{"question", "intent", "query", "result"},
}
