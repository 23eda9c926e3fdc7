// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"fmt"
	"strings"
	"testing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// deltaLine frames a single content fragment the way the gateway does.
func deltaLine(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

// buildStream frames a sequence of fragments and terminates with [DONE].
func buildStream(fragments ...string) string {
	var sb strings.Builder
	for _, f := range fragments {
		sb.WriteString(deltaLine(f))
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

// decodeOneShot runs a decoder over the whole stream in a single Feed+Flush.
func decodeOneShot(stream string) string {
	d := NewDecoder()
	d.Feed([]byte(stream), nil)
	d.Flush(nil)
	return d.Message()
}

// =============================================================================
// BASIC DECODING
// =============================================================================

func TestDecoder_SingleChunk(t *testing.T) {
	stream := buildStream("Good ", "morning, ", "athlete.")
	got := decodeOneShot(stream)
	if got != "Good morning, athlete." {
		t.Errorf("got %q, want %q", got, "Good morning, athlete.")
	}
}

func TestDecoder_EmitOrder(t *testing.T) {
	stream := buildStream("a", "b", "c")
	d := NewDecoder()
	var deltas []string
	d.Feed([]byte(stream), func(delta string) {
		deltas = append(deltas, delta)
	})
	if strings.Join(deltas, "|") != "a|b|c" {
		t.Errorf("deltas out of order: %v", deltas)
	}
	if d.Deltas() != 3 {
		t.Errorf("Deltas() = %d, want 3", d.Deltas())
	}
}

func TestDecoder_CRLFLines(t *testing.T) {
	stream := strings.ReplaceAll(buildStream("one", "two"), "\n", "\r\n")
	got := decodeOneShot(stream)
	if got != "onetwo" {
		t.Errorf("got %q, want %q", got, "onetwo")
	}
}

func TestDecoder_NonDataLinesIgnored(t *testing.T) {
	stream := "event: message\n" +
		"id: 42\n" +
		deltaLine("hello") +
		"retry: 3000\n" +
		"data: [DONE]\n\n"
	got := decodeOneShot(stream)
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestDecoder_CommentsAndBlanksIgnored(t *testing.T) {
	stream := ": keepalive\n\n" +
		deltaLine("alpha") +
		":\n" +
		": another keepalive\n" +
		deltaLine("beta") +
		"data: [DONE]\n\n"
	got := decodeOneShot(stream)
	if got != "alphabeta" {
		t.Errorf("keepalives leaked into message: %q", got)
	}
}

func TestDecoder_EmptyChoicesTolerated(t *testing.T) {
	stream := "data: {\"choices\":[]}\n\n" +
		deltaLine("ok") +
		"data: [DONE]\n\n"
	got := decodeOneShot(stream)
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}

// =============================================================================
// SENTINEL HANDLING
// =============================================================================

func TestDecoder_SentinelStopsApplication(t *testing.T) {
	// Valid and malformed lines after [DONE] must never be applied.
	stream := deltaLine("before") +
		"data: [DONE]\n\n" +
		deltaLine("after") +
		"data: {broken\n"
	d := NewDecoder()
	d.Feed([]byte(stream), nil)
	d.Flush(nil)

	if !d.Done() {
		t.Fatal("decoder did not observe sentinel")
	}
	if got := d.Message(); got != "before" {
		t.Errorf("content after sentinel applied: %q", got)
	}
}

func TestDecoder_FeedAfterDoneIsNoop(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("data: [DONE]\n\n"), nil)
	d.Feed([]byte(deltaLine("late")), nil)
	if got := d.Message(); got != "" {
		t.Errorf("feed after done applied content: %q", got)
	}
}

// =============================================================================
// CHUNK BOUNDARY INVARIANCE
// =============================================================================

func TestDecoder_ByteAtATime(t *testing.T) {
	stream := buildStream("The OV ", "Ritual ", "compounds 🔁 ", "daily.")
	want := decodeOneShot(stream)

	d := NewDecoder()
	for i := 0; i < len(stream); i++ {
		d.Feed([]byte{stream[i]}, nil)
	}
	d.Flush(nil)

	if got := d.Message(); got != want {
		t.Errorf("byte-at-a-time decode diverged:\n got %q\nwant %q", got, want)
	}
}

func TestDecoder_EverySplitPoint(t *testing.T) {
	// Splitting anywhere - mid data-prefix, mid-JSON, mid-UTF-8 rune - must
	// reconstruct the identical message.
	stream := buildStream("héllo 🥉", "wörld")
	want := decodeOneShot(stream)

	for cut := 0; cut <= len(stream); cut++ {
		d := NewDecoder()
		d.Feed([]byte(stream[:cut]), nil)
		d.Feed([]byte(stream[cut:]), nil)
		d.Flush(nil)
		if got := d.Message(); got != want {
			t.Fatalf("split at byte %d diverged:\n got %q\nwant %q", cut, got, want)
		}
	}
}

func TestDecoder_ThreeWaySplits(t *testing.T) {
	stream := buildStream("Bronze → Silver → Gold", "🥇")
	want := decodeOneShot(stream)

	for i := 0; i <= len(stream); i += 7 {
		for j := i; j <= len(stream); j += 11 {
			d := NewDecoder()
			d.Feed([]byte(stream[:i]), nil)
			d.Feed([]byte(stream[i:j]), nil)
			d.Feed([]byte(stream[j:]), nil)
			d.Flush(nil)
			if got := d.Message(); got != want {
				t.Fatalf("splits at %d,%d diverged: got %q want %q", i, j, got, want)
			}
		}
	}
}

// =============================================================================
// MALFORMED-LINE RECOVERY
// =============================================================================

func TestDecoder_MalformedLineStallsThenFlushSkips(t *testing.T) {
	// A genuinely-broken complete line stalls Feed (requeue heuristic); the
	// final Flush pass drops it and recovers lines queued behind it.
	d := NewDecoder()
	d.Feed([]byte(deltaLine("good ")), nil)
	d.Feed([]byte("data: {not json}\n"+deltaLine("still good")), nil)

	if got := d.Message(); got != "good " {
		t.Errorf("feed past malformed line: %q", got)
	}

	d.Flush(nil)
	if got := d.Message(); got != "good still good" {
		t.Errorf("flush did not recover queued lines: %q", got)
	}
}

func TestDecoder_RequeuePreservesOrder(t *testing.T) {
	// The malformed line must be retried against the next chunk, not
	// reordered behind it.
	d := NewDecoder()
	d.Feed([]byte("data: {\"choices\"\n"), nil)
	// The stalled buffer now holds the bad line; more valid data arrives.
	d.Feed([]byte(deltaLine("later")), nil)

	if d.Deltas() != 0 {
		t.Errorf("deltas applied while stalled: %d", d.Deltas())
	}
	d.Flush(nil)
	if got := d.Message(); got != "later" {
		t.Errorf("got %q, want %q", got, "later")
	}
}

func TestDecoder_FlushUnterminatedFinalLine(t *testing.T) {
	// A last complete-but-unterminated data line is applied on Flush.
	d := NewDecoder()
	d.Feed([]byte(strings.TrimSuffix(deltaLine("tail"), "\n\n")), nil)
	if d.Message() != "" {
		t.Errorf("unterminated line applied before flush: %q", d.Message())
	}
	d.Flush(nil)
	if got := d.Message(); got != "tail" {
		t.Errorf("got %q, want %q", got, "tail")
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(buildStream("one")), nil)
	d.Reset()
	if d.Message() != "" || d.Done() || d.Deltas() != 0 {
		t.Error("reset left state behind")
	}
	d.Feed([]byte(buildStream("two")), nil)
	if got := d.Message(); got != "two" {
		t.Errorf("got %q, want %q", got, "two")
	}
}
