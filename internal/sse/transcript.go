// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"io"
)

// InterruptedMessage is the synthetic assistant reply shown when a stream
// ends before producing any text, so the conversation never hangs in a
// pending state and the transcript keeps alternating roles.
const InterruptedMessage = "Connection interrupted — please try sending that again."

// readBufferSize is the per-read chunk size. The decoder is agnostic to
// chunk boundaries, so this only affects syscall frequency.
const readBufferSize = 4096

// Transcript drives one Decoder over a response body for a single
// conversation turn. At most one Run may be active per conversation; state
// is not safe for concurrent use.
type Transcript struct {
	dec Decoder
}

// NewTranscript creates a transcript session for one turn.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Run consumes the stream until EOF or context cancellation, invoking
// onMessage with the full accumulated message after every applied delta so
// the caller can republish the growing reply.
//
// On a stream that ends without ever producing text, Run reports the
// synthetic InterruptedMessage instead of an empty reply. Read errors after
// partial content are returned alongside whatever was accumulated.
func (t *Transcript) Run(ctx context.Context, body io.Reader, onMessage func(message string)) (string, error) {
	emit := func(string) {
		if onMessage != nil {
			onMessage(t.dec.Message())
		}
	}

	buf := make([]byte, readBufferSize)
	var readErr error

	for !t.dec.Done() {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
		default:
		}
		if readErr != nil {
			break
		}

		n, err := body.Read(buf)
		if n > 0 {
			t.dec.Feed(buf[:n], emit)
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	t.dec.Flush(emit)

	if t.dec.Deltas() == 0 {
		if onMessage != nil {
			onMessage(InterruptedMessage)
		}
		return InterruptedMessage, readErr
	}
	return t.dec.Message(), readErr
}

// Message returns the accumulated assistant message.
func (t *Transcript) Message() string {
	return t.dec.Message()
}
