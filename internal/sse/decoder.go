// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// =============================================================================
// FRAMING CONSTANTS
// =============================================================================

const (
	// dataPrefix is the literal SSE data-field prefix. Lines without it are
	// ignored (event:, id:, retry: fields carry nothing for this stream).
	dataPrefix = "data: "

	// doneSentinel terminates the stream. Anything after it is never applied.
	doneSentinel = "[DONE]"
)

// deltaPayload mirrors the slice of the gateway chunk the decoder cares
// about. Unknown fields are ignored by encoding/json.
type deltaPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder incrementally decodes an event stream into text deltas.
//
// Feed bytes as they arrive; the decoder extracts complete lines, applies
// `data:` deltas in arrival order, and keeps any unterminated tail buffered
// for the next chunk. Buffering is byte-level, so a multi-byte UTF-8 rune
// split across chunks reassembles before it is ever interpreted.
type Decoder struct {
	// buf carries undecoded bytes between chunks.
	buf []byte

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	msg strings.Builder

	deltas int
	done   bool
}

// NewDecoder creates a decoder for a single stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a raw chunk and processes every complete line in the buffer.
// emit is called once per extracted text delta, in arrival order; it may be
// nil. After the [DONE] sentinel has been seen, Feed is a no-op.
//
// A complete line that fails to parse as JSON is pushed back in front of the
// remaining buffer and processing of this chunk stops, on the theory that
// the line was truncated mid-chunk and the rest is still in flight. A line
// that is malformed outright therefore stalls decoding until Flush, where it
// is skipped.
func (d *Decoder) Feed(chunk []byte, emit func(delta string)) {
	if d.done {
		return
	}
	d.buf = append(d.buf, chunk...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return
		}
		line := string(d.buf[:idx])
		rest := d.buf[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		delta, action := d.decodeLine(line)
		switch action {
		case lineDone:
			d.buf = nil
			d.done = true
			return
		case lineRequeue:
			// Restore the line (newline included) ahead of the remainder and
			// wait for the next chunk.
			restored := make([]byte, 0, len(line)+1+len(rest))
			restored = append(restored, line...)
			restored = append(restored, '\n')
			restored = append(restored, rest...)
			d.buf = restored
			return
		default:
			d.buf = rest
			if delta != "" {
				d.applyDelta(delta, emit)
			}
		}
	}
}

// Flush gives any residual buffered content one final pass. Unlike Feed it
// also interprets an unterminated last line, and it never requeues: a line
// that still fails to parse here is dropped. Call it when the underlying
// stream ends.
func (d *Decoder) Flush(emit func(delta string)) {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return
	}

	for _, raw := range bytes.Split(d.buf, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		delta, action := d.decodeLine(line)
		if action == lineDone {
			break
		}
		// lineRequeue means unparseable; dropped on the final pass.
		if action == lineOK && delta != "" {
			d.applyDelta(delta, emit)
		}
	}
	d.buf = nil
}

// Message returns the accumulated assistant message so far.
func (d *Decoder) Message() string {
	return d.msg.String()
}

// Deltas returns the number of text deltas applied so far.
func (d *Decoder) Deltas() int {
	return d.deltas
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Reset discards all decoder state so the value can decode a fresh stream.
func (d *Decoder) Reset() {
	d.buf = nil
	d.msg.Reset()
	d.deltas = 0
	d.done = false
}

// =============================================================================
// LINE DECODING
// =============================================================================

type lineAction int

const (
	lineOK lineAction = iota
	lineDone
	lineRequeue
)

// decodeLine interprets one complete line and returns the extracted delta,
// if any, plus what the caller should do next.
func (d *Decoder) decodeLine(line string) (string, lineAction) {
	// Blank lines separate events; ':' lines are comments/keepalives.
	if line == "" || strings.HasPrefix(line, ":") {
		return "", lineOK
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", lineOK
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return "", lineDone
	}

	var chunk deltaPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", lineRequeue
	}
	if len(chunk.Choices) == 0 {
		return "", lineOK
	}
	return chunk.Choices[0].Delta.Content, lineOK
}

func (d *Decoder) applyDelta(delta string, emit func(string)) {
	d.msg.WriteString(delta)
	d.deltas++
	if emit != nil {
		emit(delta)
	}
}
