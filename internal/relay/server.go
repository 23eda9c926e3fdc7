// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/omniavital/ovcoach/internal/coach"
	"github.com/omniavital/ovcoach/internal/gateway"
	"github.com/omniavital/ovcoach/internal/identity"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the relay server.
	DefaultPort = 8790

	// MaxRequestBodySize caps the request body to prevent memory exhaustion (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a transcript.
	MaxMessageCount = 100

	// MaxMessageLength is the maximum length of a single message.
	MaxMessageLength = 100000

	// streamCopySize is the forwarding buffer size. Each read is written and
	// flushed immediately; the relay never buffers the stream.
	streamCopySize = 4096
)

// Client-facing error messages. Upstream detail stays in server logs.
const (
	msgRateLimited  = "Coach is resting — too many requests. Try again in a moment."
	msgQuotaDrained = "AI credits depleted. Please add credits to continue coaching."
	msgUnavailable  = "Coach unavailable right now."
)

// validRoles is the set of roles a caller may supply. The relay appends the
// system message itself; callers cannot inject one.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
}

// ============================================================================
// COLLABORATOR CONTRACTS
// ============================================================================

// TokenResolver exchanges a bearer credential for a member identity.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*identity.User, error)
}

// ContextBuilder renders a member's personalization block.
type ContextBuilder interface {
	Build(ctx context.Context, userID string) string
}

// ============================================================================
// SERVER STATS
// ============================================================================

// Stats tracks relay usage counters.
type Stats struct {
	TotalRequests    int64     `json:"total_requests"`
	StreamedTurns    int64     `json:"streamed_turns"`
	DegradedTurns    int64     `json:"degraded_turns"`
	UpstreamErrors   int64     `json:"upstream_errors"`
	RejectedRequests int64     `json:"rejected_requests"`
	StartTime        time.Time `json:"start_time"`

	mu sync.Mutex
}

// NewStats creates a Stats with the start time set.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

func (s *Stats) record(f func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalRequests:    s.TotalRequests,
		StreamedTurns:    s.StreamedTurns,
		DegradedTurns:    s.DegradedTurns,
		UpstreamErrors:   s.UpstreamErrors,
		RejectedRequests: s.RejectedRequests,
		StartTime:        s.StartTime,
	}
}

// Uptime returns the server uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// chatRequest is the relay's request body.
type chatRequest struct {
	Messages []gateway.ChatMessage `json:"messages"`
}

// errorResponse is the relay's JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the coach relay HTTP server.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	gateway  *gateway.Client
	resolver TokenResolver
	contexts ContextBuilder
	stats    *Stats
	limiter  *RateLimiter

	mu sync.RWMutex
}

// NewServer creates a relay server on the given port (0 uses DefaultPort).
func NewServer(port int) *Server {
	if port == 0 {
		port = DefaultPort
	}
	s := &Server{
		port:    port,
		router:  http.NewServeMux(),
		stats:   NewStats(),
		limiter: NewRateLimiter(DefaultRateLimit, DefaultRateBurst),
	}
	s.setupRoutes()
	return s
}

// WithGateway sets the upstream completion client.
func (s *Server) WithGateway(client *gateway.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = client
	return s
}

// WithResolver sets the identity resolver. A nil resolver means every turn
// uses the generic context.
func (s *Server) WithResolver(r TokenResolver) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
	return s
}

// WithContextBuilder sets the personalization builder.
func (s *Server) WithContextBuilder(b ContextBuilder) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = b
	return s
}

// WithRateLimiter overrides the per-client rate limiter.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rl
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/coach/chat", s.handleCoachChat)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(),
		CORSMiddleware(),
		RateLimitMiddleware(s.limiter, s.stats),
	)(s.router)
}

// ListenAndServe starts the server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
		// No WriteTimeout: coach streams are long-lived and flushed
		// incrementally. Read headers are still bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("SERVER_START | port=%d", s.port)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// COACH CHAT HANDLER
// ============================================================================

// handleCoachChat handles POST /v1/coach/chat: the full relay protocol for
// one turn, single upstream attempt, no retries.
func (s *Server) handleCoachChat(w http.ResponseWriter, r *http.Request) {
	s.stats.record(func(st *Stats) { st.TotalRequests++ })

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("INVALID_REQUEST | error=%v", err)
		s.rejected(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if msg, ok := validateTranscript(req.Messages); !ok {
		s.rejected(w, http.StatusBadRequest, msg)
		return
	}

	s.mu.RLock()
	gw := s.gateway
	resolver := s.resolver
	contexts := s.contexts
	s.mu.RUnlock()

	// A missing upstream credential is a deployment fault, checked before
	// any per-member work.
	if gw == nil || !gw.IsConfigured() {
		log.Printf("CONFIG_ERROR | gateway API key missing")
		s.writeError(w, http.StatusInternalServerError, msgUnavailable)
		return
	}

	ctx := r.Context()
	userContext := s.resolveContext(ctx, r.Header.Get("Authorization"), resolver, contexts)

	// The caller's transcript is never mutated; the system message is
	// prepended to a fresh slice.
	augmented := make([]gateway.ChatMessage, 0, len(req.Messages)+1)
	augmented = append(augmented, gateway.NewSystemMessage(coach.SystemMessage(userContext)))
	augmented = append(augmented, req.Messages...)

	upstream, err := gw.OpenStream(ctx, augmented)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer upstream.Body.Close()

	s.stats.record(func(st *Stats) { st.StreamedTurns++ })
	s.forwardStream(w, upstream.Body)
}

// resolveContext turns the caller's credential into a personalization block,
// degrading to the generic context on any failure.
func (s *Server) resolveContext(ctx context.Context, authHeader string, resolver TokenResolver, contexts ContextBuilder) string {
	if authHeader == "" || resolver == nil || contexts == nil {
		return coach.GenericContext
	}

	user, err := resolver.Resolve(ctx, authHeader)
	if err != nil {
		// Deliberate fallback, not an error path: chat is never blocked by a
		// personalization hiccup.
		log.Printf("IDENTITY_DEGRADED | error=%v", err)
		s.stats.record(func(st *Stats) { st.DegradedTurns++ })
		return coach.GenericContext
	}
	return contexts.Build(ctx, user.ID)
}

// writeUpstreamError maps gateway errors to the client-facing contract.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	s.stats.record(func(st *Stats) { st.UpstreamErrors++ })

	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		log.Printf("UPSTREAM_RATE_LIMITED | error=%v", err)
		s.writeError(w, http.StatusTooManyRequests, msgRateLimited)
	case errors.Is(err, gateway.ErrQuotaExhausted):
		log.Printf("UPSTREAM_QUOTA | error=%v", err)
		s.writeError(w, http.StatusPaymentRequired, msgQuotaDrained)
	default:
		// Full upstream detail stays server-side.
		var gwErr *gateway.GatewayError
		if errors.As(err, &gwErr) {
			log.Printf("UPSTREAM_ERROR | status=%d body=%s", gwErr.Status, truncateString(gwErr.Body, 500))
		} else {
			log.Printf("UPSTREAM_ERROR | error=%v", err)
		}
		s.writeError(w, http.StatusInternalServerError, msgUnavailable)
	}
}

// forwardStream pipes the upstream body to the caller unmodified, flushing
// after every read so tokens render as they arrive. Forwarding stops when
// upstream ends or the caller stops reading.
func (s *Server) forwardStream(w http.ResponseWriter, body io.Reader) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopySize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Caller went away; just release the connection.
				log.Printf("STREAM_ABANDONED | error=%v", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Printf("STREAM_ERROR | error=%v", readErr)
			}
			return
		}
	}
}

// validateTranscript checks the caller-supplied messages. Returns a
// client-safe message and false when invalid.
func validateTranscript(messages []gateway.ChatMessage) (string, bool) {
	if len(messages) == 0 {
		return "Request must contain at least one message", false
	}
	if len(messages) > MaxMessageCount {
		return fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount), false
	}
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			log.Printf("INVALID_ROLE | index=%d role=%q", i, msg.Role)
			return "Invalid message format. Messages must have role user or assistant", false
		}
		if len(msg.Content) > MaxMessageLength {
			return fmt.Sprintf("Message %d exceeds maximum length of %d", i, MaxMessageLength), false
		}
	}
	return "", true
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	configured := s.gateway != nil && s.gateway.IsConfigured()
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"gateway_configured": configured,
		"uptime_seconds":     int64(s.stats.Uptime().Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WRITE_ERROR | error=%v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) rejected(w http.ResponseWriter, status int, message string) {
	s.stats.record(func(st *Stats) { st.RejectedRequests++ })
	s.writeError(w, status, message)
}

// truncateString shortens a string for log lines.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
