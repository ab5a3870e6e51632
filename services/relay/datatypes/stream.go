// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// StreamEvent is one server-sent event on the direct chat stream. Id,
// CreatedAt, Hash, and PrevHash are stamped by the SSE writer; Hash chains
// over PrevHash so a client can verify nothing was dropped or reordered.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash,omitempty"`
}
