// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// ovcoach.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation. A file watcher reloads the
// configuration when the file changes on disk.
//
// Configuration file locations (in order of precedence):
//   - ~/.ovcoach/config.toml
//   - ~/.ovcoach/config.json
//   - Built-in defaults
package config
