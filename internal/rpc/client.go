package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client issues calls over one port and dispatches inbound broadcasts. Call
// ids are unique per client instance and never reused while a call is
// outstanding; each outstanding call owns a dedicated reply channel, so a
// response is delivered point-to-point and resolves the call exactly once.
// Duplicate or stale responses are dropped and logged.
type Client struct {
	port    Port
	origins *OriginValidator
	logger  *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response

	handlerMu  sync.Mutex
	broadcasts map[string][]func(data []json.RawMessage)

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(port Port, origins *OriginValidator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		port:       port,
		origins:    origins,
		logger:     logger,
		pending:    make(map[uint64]chan Response),
		broadcasts: make(map[string][]func([]json.RawMessage)),
		done:       make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Call issues a request with the default timeout ceiling.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, DefaultCallTimeout, method, params...)
}

// CallWithTimeout issues a request and waits for the correlated response.
// A server-reported failure surfaces as *RemoteError; a missing response
// surfaces as ErrTimeout.
func (c *Client) CallWithTimeout(ctx context.Context, timeout time.Duration, method string, params ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("rpc call %q: param %d: %w", method, i, err)
		}
		raw[i] = b
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	reply := make(chan Response, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	data, err := json.Marshal(Call{JSONRPC: Version, ID: id, Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("rpc call %q: %w", method, err)
	}
	if err := c.port.Send(data); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("rpc call %q: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("rpc call %q after %s: %w", method, timeout, ErrTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// OnBroadcast registers a handler for one broadcast event name. A missed
// broadcast is equivalent to waiting for the next state pull, so handlers
// must tolerate gaps; last value wins.
func (c *Client) OnBroadcast(name string, fn func(data []json.RawMessage)) {
	c.handlerMu.Lock()
	c.broadcasts[name] = append(c.broadcasts[name], fn)
	c.handlerMu.Unlock()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.port.Close()
	})
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.done:
			return
		case in, ok := <-c.port.Receive():
			if !ok {
				return
			}
			if !c.origins.Allowed(in.Origin) {
				c.logger.Warn("rpc message from unknown origin dropped", "origin", in.Origin)
				continue
			}
			switch msg := Classify(in.Data); msg.Kind {
			case KindResponse:
				c.deliver(msg.Response)
			case KindBroadcast:
				c.dispatchBroadcast(msg.Broadcast)
			case KindCall:
				c.logger.Warn("rpc call received on client endpoint dropped", "origin", in.Origin)
			default:
				c.logger.Warn("malformed rpc message dropped", "origin", in.Origin)
			}
		}
	}
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	reply, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("stale rpc response dropped", "id", resp.ID)
		return
	}
	reply <- resp
}

func (c *Client) dispatchBroadcast(b Broadcast) {
	c.handlerMu.Lock()
	handlers := append(([]func([]json.RawMessage))(nil), c.broadcasts[b.EventName()]...)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(b.Data)
	}
}
