// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity resolves member session tokens against the auth service.
//
// Resolution failure is expected and non-fatal for callers: the relay treats
// any error here as "anonymous member" and degrades personalization instead
// of failing the chat request.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single resolution call. Identity lookup sits on
// the chat hot path, so it fails fast rather than stalling the stream start.
const DefaultTimeout = 5 * time.Second

var (
	// ErrNoToken indicates the caller supplied no credential.
	ErrNoToken = errors.New("no session token")

	// ErrUnauthorized indicates the auth service rejected the token.
	ErrUnauthorized = errors.New("session token rejected")
)

// User is the resolved member identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Resolver exchanges bearer tokens for member identities.
type Resolver struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// NewResolver creates a resolver for the auth service at baseURL. anonKey is
// the public client key the auth service expects alongside the bearer token.
func NewResolver(baseURL, anonKey string) *Resolver {
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Resolve returns the member identity for a bearer token. token may include
// or omit the "Bearer " prefix.
func (r *Resolver) Resolve(ctx context.Context, token string) (*User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", r.anonKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth service error (HTTP %d)", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse auth response: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}
