// coachcli - terminal chat client for the ovcoach relay.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/omniavital/ovcoach/internal/gateway"
	"github.com/omniavital/ovcoach/internal/sse"
)

func main() {
	var (
		relayURL = flag.String("url", "http://localhost:8790", "relay base URL")
		token    = flag.String("token", "", "member bearer token (optional; anonymous without it)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := chatLoop(ctx, *relayURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "coachcli: %v\n", err)
		os.Exit(1)
	}
}

// chatLoop reads turns from stdin, keeps the running transcript, and streams
// each reply to stdout as tokens arrive.
func chatLoop(ctx context.Context, relayURL, token string) error {
	fmt.Println("OmniaVital coach. Type a message, Ctrl-D to quit.")

	var transcript []gateway.ChatMessage
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		transcript = append(transcript, gateway.NewUserMessage(line))
		reply, err := streamTurn(ctx, relayURL, token, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
			// Drop the failed turn so a retry resends it cleanly.
			transcript = transcript[:len(transcript)-1]
			continue
		}
		transcript = append(transcript, gateway.NewAssistantMessage(reply))
	}
}

// streamTurn posts the transcript and decodes the reply stream, printing
// deltas as they decode.
func streamTurn(ctx context.Context, relayURL, token string, messages []gateway.ChatMessage) (string, error) {
	body, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(relayURL, "/")+"/v1/coach/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 0} // streams are long-lived
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", relayError(resp)
	}

	decoder := sse.NewDecoder()
	buf := make([]byte, 4096)
	start := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n], func(delta string) {
				fmt.Print(delta)
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	decoder.Flush(func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()

	if decoder.Deltas() == 0 {
		return "", fmt.Errorf("empty reply after %s", time.Since(start).Round(time.Millisecond))
	}
	return decoder.Message(), nil
}

// relayError decodes the relay's JSON error contract into a readable error.
func relayError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("relay returned HTTP %d", resp.StatusCode)
}
