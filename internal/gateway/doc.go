// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the client for the hosted AI completion gateway.
//
// The relay makes exactly one streamed completion request per chat turn and
// pipes the response body back to the member verbatim, so this client's job
// ends at the response headers: it authenticates, sends the augmented
// transcript with stream=true, maps non-success statuses to typed errors,
// and hands the open *http.Response to the caller.
//
// # Errors
//
//   - ErrNotConfigured: no API key; a deployment fault, surfaced as 500
//   - ErrRateLimited: upstream 429, surfaced to the member as-is
//   - ErrQuotaExhausted: upstream 402, surfaced to the member as-is
//   - GatewayError: any other non-2xx; logged server-side, never leaked
//
// The server-held API key is never exposed to members and never logged.
package gateway
