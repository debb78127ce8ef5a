package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler serves one method. Returning a *HandlerError controls the error
// code on the wire; any other error maps to CodeOperationFailed.
type Handler func(ctx context.Context, params []json.RawMessage) (any, error)

// HandlerError is a handler failure with an explicit wire code.
type HandlerError struct {
	Code    int
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rpc handler error %d: %s", e.Code, e.Message)
}

type ServerConfig struct {
	Origins *OriginValidator
	Logger  *slog.Logger

	// RateRPS/RateBurst bound per-origin call throughput; zero disables
	// limiting (tests, trusted in-process pipes).
	RateRPS   float64
	RateBurst int
}

// Server answers calls and emits broadcasts on every attached port. Exactly
// one handler per method; registration conflicts are configuration errors
// and fail fast.
type Server struct {
	origins *OriginValidator
	logger  *slog.Logger
	limiter *originLimiter

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	portMu sync.Mutex
	ports  []Port

	closeOnce sync.Once
	done      chan struct{}

	// baseCtx spans the server's lifetime and is what handlers run under.
	// A transport request going away must not abort an in-flight wallet
	// operation, so handler contexts end only when the server closes.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Origins == nil {
		cfg.Origins = NewOriginValidator() // empty allow-list: deny all
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		origins:  cfg.Origins,
		logger:   cfg.Logger,
		limiter:  newOriginLimiter(cfg.RateRPS, cfg.RateBurst),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

func (s *Server) AddHandler(method string, h Handler) error {
	if method == "" || h == nil {
		return errors.New("rpc handler registration requires a method name and func")
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if _, exists := s.handlers[method]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, method)
	}
	s.handlers[method] = h
	return nil
}

// MustAddHandler is for wiring code where a duplicate is a programming error.
func (s *Server) MustAddHandler(method string, h Handler) {
	if err := s.AddHandler(method, h); err != nil {
		panic(err)
	}
}

// Attach binds a port and starts serving it. One server instance may serve
// several ports (UI frame and host page each get their own).
func (s *Server) Attach(port Port) {
	s.portMu.Lock()
	s.ports = append(s.ports, port)
	s.portMu.Unlock()
	go s.serveLoop(port)
}

// Broadcast sends a one-way event to every attached port. No acknowledgement
// and no retry: consumers treat a missed broadcast like a skipped poll.
func (s *Server) Broadcast(name string, data ...any) {
	raw := make([]json.RawMessage, len(data))
	for i, d := range data {
		b, err := json.Marshal(d)
		if err != nil {
			s.logger.Error("broadcast payload marshal failed", "event", name, "error", err)
			return
		}
		raw[i] = b
	}
	payload, err := json.Marshal(Broadcast{Type: BroadcastPrefix + name, Data: raw})
	if err != nil {
		s.logger.Error("broadcast marshal failed", "event", name, "error", err)
		return
	}

	s.portMu.Lock()
	ports := append([]Port(nil), s.ports...)
	s.portMu.Unlock()
	for _, port := range ports {
		if err := port.Send(payload); err != nil {
			s.logger.Warn("broadcast send failed", "event", name, "error", err)
		}
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.portMu.Lock()
		for _, port := range s.ports {
			_ = port.Close()
		}
		s.portMu.Unlock()
	})
}

func (s *Server) serveLoop(port Port) {
	for {
		select {
		case <-s.done:
			return
		case in, ok := <-port.Receive():
			if !ok {
				return
			}
			if !s.origins.Allowed(in.Origin) {
				s.logger.Warn("rpc message from unknown origin dropped", "origin", in.Origin)
				continue
			}
			if !s.limiter.allow(in.Origin, time.Now()) {
				s.logger.Warn("rpc message rate limited", "origin", in.Origin)
				continue
			}
			switch msg := Classify(in.Data); msg.Kind {
			case KindCall:
				// Wallet operations hold a call open for minutes; each call
				// runs on its own goroutine and responses correlate by id,
				// not by ordering.
				go s.handleCall(port, in.Origin, msg.Call)
			case KindBroadcast, KindResponse:
				s.logger.Warn("unexpected rpc message on server endpoint dropped", "origin", in.Origin)
			default:
				s.logger.Warn("malformed rpc message dropped", "origin", in.Origin)
			}
		}
	}
}

func (s *Server) handleCall(port Port, origin string, call Call) {
	started := time.Now()
	s.handlerMu.RLock()
	handler, ok := s.handlers[call.Method]
	s.handlerMu.RUnlock()
	if !ok {
		s.logger.Warn("rpc method not found", "method", call.Method, "origin", origin)
		s.reply(port, Response{
			JSONRPC: Version,
			ID:      call.ID,
			Error:   &ResponseError{Code: CodeMethodNotFound, Message: "method not found"},
		})
		return
	}

	result, err := handler(s.baseCtx, call.Params)
	if err != nil {
		s.logger.Error("rpc handler failed",
			"method", call.Method, "origin", origin,
			"latency_ms", time.Since(started).Milliseconds(), "error", err)
		s.reply(port, Response{JSONRPC: Version, ID: call.ID, Error: wireError(err)})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("rpc result marshal failed", "method", call.Method, "error", err)
		s.reply(port, Response{
			JSONRPC: Version,
			ID:      call.ID,
			Error:   &ResponseError{Code: CodeInternal, Message: "internal error"},
		})
		return
	}
	s.logger.Info("rpc call served",
		"method", call.Method, "origin", origin,
		"latency_ms", time.Since(started).Milliseconds())
	s.reply(port, Response{JSONRPC: Version, ID: call.ID, Result: raw})
}

func (s *Server) reply(port Port, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("rpc response marshal failed", "id", resp.ID, "error", err)
		return
	}
	if err := port.Send(data); err != nil {
		s.logger.Warn("rpc response send failed", "id", resp.ID, "error", err)
	}
}

func wireError(err error) *ResponseError {
	var coded *HandlerError
	if errors.As(err, &coded) {
		return &ResponseError{Code: coded.Code, Message: coded.Message}
	}
	return &ResponseError{Code: CodeOperationFailed, Message: err.Error()}
}
