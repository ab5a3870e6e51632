// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable identity surface of the relay.
//
// The open source build ships two providers: NopAuthProvider for local
// single-user deployments, and StaticTokenProvider for small installs where
// a handful of tokens live in the config file. Hosted deployments swap in
// their own AuthProvider; nothing else in the relay changes.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnauthorized is returned when token validation fails. Implementations
// should wrap it so callers can test with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to a validated connection.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// Always populated.
	UserID int64

	// Username is the display name. May be empty.
	Username string

	// Email may be empty if the provider does not supply it.
	Email string

	// Roles holds the user's role memberships. Common roles: "admin",
	// "fan", "analyst".
	Roles []string
}

// HasRole checks membership in a single role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the token and returns the user's identity, or an
	// error wrapping ErrUnauthorized when the token is invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts any token (including none) and maps everything to
// a single local user. It exists so a local deployment works with zero auth
// infrastructure.
type NopAuthProvider struct{}

var _ AuthProvider = (*NopAuthProvider)(nil)

// LocalUserID is the identity every request gets under NopAuthProvider.
const LocalUserID int64 = 1

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:   LocalUserID,
		Username: "local",
		Roles:    []string{"admin"},
	}, nil
}

// StaticTokenProvider validates tokens against a fixed token → identity map,
// typically loaded from configuration. Empty tokens are always rejected.
type StaticTokenProvider struct {
	mu     sync.RWMutex
	tokens map[string]AuthInfo
}

var _ AuthProvider = (*StaticTokenProvider)(nil)

func NewStaticTokenProvider(tokens map[string]AuthInfo) *StaticTokenProvider {
	copied := make(map[string]AuthInfo, len(tokens))
	for token, info := range tokens {
		copied[token] = info
	}
	return &StaticTokenProvider{tokens: copied}
}

func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	p.mu.RLock()
	info, ok := p.tokens[token]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return &info, nil
}

// SetToken adds or replaces one token at runtime. Used by config reload.
func (p *StaticTokenProvider) SetToken(token string, info AuthInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = info
}
