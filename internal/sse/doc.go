// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes the coach relay's text/event-stream responses into a
// growing assistant message.
//
// The relay forwards the upstream gateway stream byte-for-byte, so the
// framing here is the gateway's: `data: <json>` lines carrying
// choices[0].delta.content fragments, comment/keepalive lines starting with
// ':', and a terminal `data: [DONE]` sentinel. Network chunks arrive at
// arbitrary boundaries - mid-line, mid-JSON, even mid-UTF-8-rune - so the
// decoder carries a byte buffer across chunks and only ever interprets
// complete lines.
//
// # Key Types
//
//   - Decoder: push-style incremental frame decoder, one per stream
//   - Transcript: drives a Decoder over an io.Reader for a full turn
//
// A Decoder is single-stream, single-goroutine state: start a new one for
// each conversation turn.
package sse
