// Package daemon binds the RPC endpoint to HTTP: calls over POST /rpc,
// broadcasts over an SSE stream, plus health and metrics surfaces. It owns
// the listener lifecycle; the rpc server it wraps stays transport-agnostic.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/rpc"
)

const (
	maxRPCBody        = 1 << 20
	heartbeatInterval = 20 * time.Second
)

type Config struct {
	Addr    string
	Token   string
	Origins *rpc.OriginValidator
	RPC     *rpc.Server
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	httpServer *http.Server
	rpc        *rpc.Server
	origins    *rpc.OriginValidator
	token      string
	logger     *slog.Logger

	feed   *broadcastFeed
	bridge *bridge
}

func New(cfg Config) (*Server, error) {
	if cfg.RPC == nil {
		return nil, errors.New("daemon: rpc server is required")
	}
	if cfg.Origins == nil {
		return nil, errors.New("daemon: origin validator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8777"
	}
	if cfg.Token == "" {
		cfg.Logger.Warn("rpc token is not set; rpc auth disabled")
	}

	s := &Server{
		rpc:     cfg.RPC,
		origins: cfg.Origins,
		token:   cfg.Token,
		logger:  cfg.Logger,
		feed:    newBroadcastFeed(),
	}
	s.bridge = newBridge(s.feed)
	cfg.RPC.Attach(s.bridge.port())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx cancels, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	msg := rpc.Classify(body)
	if msg.Kind != rpc.KindCall {
		http.Error(w, "body is not a call", http.StatusBadRequest)
		return
	}

	resp, err := s.bridge.call(r.Context(), requestOrigin(r), msg.Call)
	if err != nil {
		s.logger.Warn("rpc bridge call failed", "method", msg.Call.Method, "error", err)
		http.Error(w, "call failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.feed.subscribe()
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.seq, evt.data); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// applyCORS validates the Origin header against the configured allow-list.
// Requests without an Origin header come from non-browser clients and pass.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.origins.Allowed(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Vynos-Rpc-Token")
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if extractToken(r) != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-Vynos-Rpc-Token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// requestOrigin is the origin the rpc layer sees for an HTTP client. Browser
// requests carry their Origin header; tooling without one maps to a local
// pseudo-origin that deployments must allow explicitly or via wildcard.
func requestOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	return "local://cli"
}

// broadcastFeed fans rpc broadcasts out to SSE subscribers. Slow consumers
// lose events rather than blocking the publisher; the UI treats a missed
// broadcast like a skipped poll and refetches.
type broadcastFeed struct {
	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]chan feedEvent
}

type feedEvent struct {
	seq  uint64
	data []byte
}

func newBroadcastFeed() *broadcastFeed {
	return &broadcastFeed{subs: make(map[int]chan feedEvent)}
}

func (f *broadcastFeed) publish(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	evt := feedEvent{seq: f.seq, data: data}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *broadcastFeed) subscribe() (<-chan feedEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	ch := make(chan feedEvent, 16)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}
