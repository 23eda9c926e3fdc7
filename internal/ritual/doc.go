// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ritual computes streak and ring-tier status from ritual
// completion logs.
//
// The same computation previously lived in three places (dashboard banner,
// calendar view, and the coach relay's personalization block), each with its
// own drift risk. This package is the single source of truth: every caller
// passes raw completion records plus "today" and gets back the derived
// numbers, never storing them.
//
// # Key Types
//
//   - CompletionRecord: one product/date completion row from the log
//   - RingTier: milestone derived purely from the current streak
//   - Stats: the full derived summary used for personalization
//
// All functions are pure and safe for concurrent use.
package ritual
