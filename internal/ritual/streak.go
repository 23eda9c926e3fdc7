// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ritual

import "time"

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// CategoriesPerDay is the number of daily ritual categories
	// (Morning Protocol, Focus Complex, Evening Recovery).
	CategoriesPerDay = 3

	// DateLayout is the calendar-date format used throughout the log store.
	DateLayout = "2006-01-02"
)

// Ring tier thresholds in consecutive perfect days.
const (
	BronzeThreshold = 7
	SilverThreshold = 21
	GoldThreshold   = 60
)

// =============================================================================
// TYPES
// =============================================================================

// CompletionRecord is a single row from the ritual log: one product category
// on one calendar date.
type CompletionRecord struct {
	Date      string // calendar date in DateLayout form
	Completed bool
	ProductID string
}

// RingTier is a named milestone derived solely from the current streak.
// It is recomputed on every read and never persisted, so it cannot drift
// from the underlying log.
type RingTier int

const (
	TierNone RingTier = iota
	TierBronze
	TierSilver
	TierGold
)

// String returns the member-facing label for the tier, matching the labels
// shown on the dashboard and spoken by the coach.
func (t RingTier) String() string {
	switch t {
	case TierGold:
		return "🥇 Gold Ring"
	case TierSilver:
		return "🥈 Silver Ring"
	case TierBronze:
		return "🥉 Bronze Ring"
	default:
		return "Building toward Bronze Ring (7 days)"
	}
}

// Stats is the derived summary for a member's recent log window.
type Stats struct {
	// Streak is the number of consecutive perfect days ending today.
	Streak int

	// Tier is the ring tier for Streak.
	Tier RingTier

	// CompletedToday is the number of categories completed today, 0..3.
	CompletedToday int

	// TotalActiveDays is the number of distinct dates in the window with at
	// least one completion.
	TotalActiveDays int
}

// =============================================================================
// STREAK COMPUTATION
// =============================================================================

// PerfectDays collapses completion records to the set of calendar dates on
// which all three categories were completed. A date with one or two
// completions contributes nothing: partial days neither extend nor break a
// streak retroactively.
func PerfectDays(records []CompletionRecord) map[string]struct{} {
	counts := make(map[string]map[string]struct{})
	for _, r := range records {
		if !r.Completed {
			continue
		}
		byProduct := counts[r.Date]
		if byProduct == nil {
			byProduct = make(map[string]struct{})
			counts[r.Date] = byProduct
		}
		// Distinct products only; a double-logged category still counts once.
		byProduct[r.ProductID] = struct{}{}
	}

	perfect := make(map[string]struct{}, len(counts))
	for date, byProduct := range counts {
		if len(byProduct) >= CategoriesPerDay {
			perfect[date] = struct{}{}
		}
	}
	return perfect
}

// Streak returns the length of the run of consecutive perfect days ending
// today. The walk starts at today (offset 0) and moves backward one day at a
// time, stopping at the first date missing from the perfect-day set. If
// today itself is not a perfect day the streak is 0.
func Streak(records []CompletionRecord, today time.Time) int {
	perfect := PerfectDays(records)
	if len(perfect) == 0 {
		return 0
	}

	streak := 0
	for offset := 0; ; offset++ {
		expected := today.AddDate(0, 0, -offset).Format(DateLayout)
		if _, ok := perfect[expected]; !ok {
			break
		}
		streak++
	}
	return streak
}

// TierForStreak maps a streak length to its ring tier. A pure lookup with no
// hysteresis: the tier falls as soon as the streak does.
func TierForStreak(streak int) RingTier {
	switch {
	case streak >= GoldThreshold:
		return TierGold
	case streak >= SilverThreshold:
		return TierSilver
	case streak >= BronzeThreshold:
		return TierBronze
	default:
		return TierNone
	}
}

// Summarize computes the full derived summary for a member's log window.
func Summarize(records []CompletionRecord, today time.Time) Stats {
	todayStr := today.Format(DateLayout)

	completedToday := 0
	activeDays := make(map[string]struct{})
	todayProducts := make(map[string]struct{})
	for _, r := range records {
		if !r.Completed {
			continue
		}
		activeDays[r.Date] = struct{}{}
		if r.Date == todayStr {
			todayProducts[r.ProductID] = struct{}{}
		}
	}
	completedToday = len(todayProducts)
	if completedToday > CategoriesPerDay {
		completedToday = CategoriesPerDay
	}

	streak := Streak(records, today)
	return Stats{
		Streak:          streak,
		Tier:            TierForStreak(streak),
		CompletedToday:  completedToday,
		TotalActiveDays: len(activeDays),
	}
}
