// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay is the HTTP server that fronts the coach: it accepts a
// conversation transcript, splices in per-member personalization, opens a
// single streamed completion against the gateway, and pipes the event
// stream back to the caller byte-for-byte.
//
// # Endpoints
//
//   - POST /v1/coach/chat - streamed coach turn (text/event-stream on success)
//   - GET  /health        - health check
//   - GET  /stats         - usage statistics
//
// # Error contract
//
// Errors are small JSON bodies with an "error" field and Content-Type
// application/json, so a caller can distinguish "no stream started" from
// "stream started then failed" by content type alone. Upstream 429 and 402
// pass through as those statuses; every other upstream failure is an opaque
// 500 with the upstream detail kept in server logs.
//
// Personalization failures are never errors: a missing or bad credential,
// an unreachable auth service, or a failed context fetch all degrade to the
// generic context block and the chat proceeds.
package relay
