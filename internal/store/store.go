// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/omniavital/ovcoach/internal/ritual"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound      = errors.New("not found")
	ErrDatabaseError = errors.New("database error")
)

// DefaultLogWindow is the bounded window of ritual-log rows fetched for
// personalization, newest first.
const DefaultLogWindow = 30

// =============================================================================
// ROW TYPES
// =============================================================================

// Profile is a member's display identity.
type Profile struct {
	UserID    string
	FirstName string
	OVTag     string
}

// Product is one of the ritual products.
type Product struct {
	ID       string
	Name     string
	Slug     string
	Category string
}

// Purchase is a member's purchase joined with its product.
type Purchase struct {
	ID          string
	UserID      string
	ProductID   string
	ProductName string
	Category    string
	PurchasedAt time.Time
}

// RitualLog is one completion row; ritual.CompletionRecord is its derived
// computation shape.
type RitualLog struct {
	ID         string
	UserID     string
	ProductID  string
	LoggedDate string
	Completed  bool
	Notes      string
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	ov_tag     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS products (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	slug     TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ritual_logs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	product_id  TEXT NOT NULL REFERENCES products(id),
	logged_date TEXT NOT NULL,
	completed   INTEGER NOT NULL DEFAULT 0,
	notes       TEXT NOT NULL DEFAULT '',
	UNIQUE(user_id, product_id, logged_date)
);
CREATE INDEX IF NOT EXISTS idx_ritual_logs_user_date
	ON ritual_logs(user_id, logged_date DESC);

CREATE TABLE IF NOT EXISTS purchases (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	product_id   TEXT NOT NULL REFERENCES products(id),
	purchased_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id);
`

// =============================================================================
// STORE
// =============================================================================

// Store wraps the SQLite member database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the member database at path. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// PROFILE QUERIES
// =============================================================================

// Profile returns the member's profile, or ErrNotFound.
func (s *Store) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, first_name, ov_tag FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &p.FirstName, &p.OVTag)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return &p, nil
}

// UpsertProfile creates or updates a member's profile fields.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, first_name, ov_tag) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET first_name = excluded.first_name, ov_tag = excluded.ov_tag`,
		p.UserID, p.FirstName, p.OVTag,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// =============================================================================
// PRODUCT QUERIES
// =============================================================================

// DefaultProducts returns the three ritual products every deployment seeds.
func DefaultProducts() []Product {
	return []Product{
		{ID: "ov-morning", Name: "Morning Protocol", Slug: "morning-protocol", Category: "morning"},
		{ID: "ov-focus", Name: "Focus Complex", Slug: "focus-complex", Category: "midday"},
		{ID: "ov-evening", Name: "Evening Recovery", Slug: "evening-recovery", Category: "evening"},
	}
}

// SeedProducts inserts the ritual products if they are not already present.
func (s *Store) SeedProducts(ctx context.Context, products []Product) error {
	for _, p := range products {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO products (id, name, slug, category) VALUES (?, ?, ?, ?)`,
			p.ID, p.Name, p.Slug, p.Category,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}
	return nil
}

// Products lists all products.
func (s *Store) Products(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, category FROM products ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.Category); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RITUAL LOG QUERIES
// =============================================================================

// RecentRitualLogs returns up to limit log rows for the member, newest date
// first. This is the bounded window the streak walk reads; it never loads
// the full history.
func (s *Store) RecentRitualLogs(ctx context.Context, userID string, limit int) ([]RitualLog, error) {
	if limit <= 0 {
		limit = DefaultLogWindow
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, product_id, logged_date, completed, notes
		FROM ritual_logs WHERE user_id = ?
		ORDER BY logged_date DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []RitualLog
	for rows.Next() {
		var l RitualLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ProductID, &l.LoggedDate, &l.Completed, &l.Notes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ToggleRitualLog flips (or creates as completed) the log row for one
// product on one date. This is the calendar's tap-to-toggle write path.
func (s *Store) ToggleRitualLog(ctx context.Context, userID, productID, date string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ritual_logs (id, user_id, product_id, logged_date, completed)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(user_id, product_id, logged_date)
		DO UPDATE SET completed = NOT completed`,
		uuid.New().String(), userID, productID, date,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// CompletionRecords converts log rows to the ritual package's computation
// shape.
func CompletionRecords(logs []RitualLog) []ritual.CompletionRecord {
	records := make([]ritual.CompletionRecord, 0, len(logs))
	for _, l := range logs {
		records = append(records, ritual.CompletionRecord{
			Date:      l.LoggedDate,
			Completed: l.Completed,
			ProductID: l.ProductID,
		})
	}
	return records
}

// =============================================================================
// PURCHASE QUERIES
// =============================================================================

// Purchases returns the member's purchases joined with product names,
// newest first.
func (s *Store) Purchases(ctx context.Context, userID string) ([]Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pu.id, pu.user_id, pu.product_id, pr.name, pr.category, pu.purchased_at
		FROM purchases pu JOIN products pr ON pr.id = pu.product_id
		WHERE pu.user_id = ?
		ORDER BY pu.purchased_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProductID, &p.ProductName, &p.Category, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordPurchase inserts a purchase row and returns its id.
func (s *Store) RecordPurchase(ctx context.Context, userID, productID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO purchases (id, user_id, product_id) VALUES (?, ?, ?)`,
		id, userID, productID,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return id, nil
}
