// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "http becomes ws",
			base: "http://localhost:8090",
			want: "ws://localhost:8090/v1/chat/ws",
		},
		{
			name: "https becomes wss",
			base: "https://relay.cagemetric.io",
			want: "wss://relay.cagemetric.io/v1/chat/ws",
		},
		{
			name: "ws passes through",
			base: "ws://localhost:8090",
			want: "ws://localhost:8090/v1/chat/ws",
		},
		{
			name: "trailing slash collapses",
			base: "http://localhost:8090/",
			want: "ws://localhost:8090/v1/chat/ws",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://localhost",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wsEndpoint(tt.base)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
