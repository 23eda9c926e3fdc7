// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the SQLite-backed member store: profiles, products,
// ritual logs, and purchases.
//
// The coach relay reads three independent slices of it per chat turn
// (profile, a bounded recent ritual-log window, purchase history); the
// dashboard write paths (profile edits, the calendar's completion toggle,
// purchase recording) go through the same store. Row-level ownership is
// enforced by scoping every query to a user id.
package store
