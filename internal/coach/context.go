// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coach builds the per-request personalization context spliced into
// the coach's system instruction.
//
// The context is ephemeral: recomputed from the member store on every chat
// request, spliced into the outgoing system message, and discarded. Fetch
// failures degrade the affected slice to its fallback text instead of
// failing the chat turn - a personalization hiccup must never block the
// coach.
package coach

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/omniavital/ovcoach/internal/ritual"
	"github.com/omniavital/ovcoach/internal/store"
)

// MemberStore is the slice of the member store the context builder reads.
type MemberStore interface {
	Profile(ctx context.Context, userID string) (*store.Profile, error)
	RecentRitualLogs(ctx context.Context, userID string, limit int) ([]store.RitualLog, error)
	Purchases(ctx context.Context, userID string) ([]store.Purchase, error)
}

// ContextBuilder renders a member's personalization block.
type ContextBuilder struct {
	store  MemberStore
	window int

	// now is swappable for tests; defaults to time.Now.
	now func() time.Time
}

// NewContextBuilder creates a builder reading a bounded recent log window.
func NewContextBuilder(s MemberStore, window int) *ContextBuilder {
	if window <= 0 {
		window = store.DefaultLogWindow
	}
	return &ContextBuilder{store: s, window: window, now: time.Now}
}

// WithClock overrides the builder's notion of "today".
func (b *ContextBuilder) WithClock(now func() time.Time) *ContextBuilder {
	b.now = now
	return b
}

// Build fetches the member's profile, recent ritual logs, and purchases
// concurrently and renders the context block. The three fetches are
// independent; each failure is logged and its slice falls back, never
// aborting the whole block.
func (b *ContextBuilder) Build(ctx context.Context, userID string) string {
	var (
		profile   *store.Profile
		logs      []store.RitualLog
		purchases []store.Purchase
		wg        sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		p, err := b.store.Profile(ctx, userID)
		if err != nil {
			log.Printf("CONTEXT_FETCH_FAILED | slice=profile user=%s error=%v", userID, err)
			return
		}
		profile = p
	}()
	go func() {
		defer wg.Done()
		l, err := b.store.RecentRitualLogs(ctx, userID, b.window)
		if err != nil {
			log.Printf("CONTEXT_FETCH_FAILED | slice=ritual_logs user=%s error=%v", userID, err)
			return
		}
		logs = l
	}()
	go func() {
		defer wg.Done()
		p, err := b.store.Purchases(ctx, userID)
		if err != nil {
			log.Printf("CONTEXT_FETCH_FAILED | slice=purchases user=%s error=%v", userID, err)
			return
		}
		purchases = p
	}()
	wg.Wait()

	return renderContext(profile, logs, purchases, b.now(), b.window)
}

// renderContext formats the personalization block. Field order matters: the
// prompt tells the model what each line means.
func renderContext(profile *store.Profile, logs []store.RitualLog, purchases []store.Purchase, today time.Time, window int) string {
	firstName := "Member"
	ovTag := "unset"
	if profile != nil {
		if profile.FirstName != "" {
			firstName = profile.FirstName
		}
		if profile.OVTag != "" {
			ovTag = profile.OVTag
		}
	}

	stats := ritual.Summarize(store.CompletionRecords(logs), today)

	owned := "None yet"
	if len(purchases) > 0 {
		names := make([]string, 0, len(purchases))
		for _, p := range purchases {
			if p.ProductName != "" {
				names = append(names, p.ProductName)
			}
		}
		if len(names) > 0 {
			owned = strings.Join(names, ", ")
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s (OV Tag: @%s)\n", firstName, ovTag)
	fmt.Fprintf(&sb, "Current streak: %d day(s)\n", stats.Streak)
	fmt.Fprintf(&sb, "Rituals completed today: %d/%d\n", stats.CompletedToday, ritual.CategoriesPerDay)
	fmt.Fprintf(&sb, "Total active days (last %d): %d\n", window, stats.TotalActiveDays)
	fmt.Fprintf(&sb, "Products owned: %s\n", owned)
	fmt.Fprintf(&sb, "Ring status: %s", stats.Tier)
	return sb.String()
}

// SystemMessage combines the fixed behavioral prompt with a context block
// (either a rendered member block or GenericContext).
func SystemMessage(contextBlock string) string {
	return SystemPrompt + contextBlock
}
