package daemon

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/rpc"
)

// bridge adapts HTTP requests onto one attached rpc.Port. Calls from many
// HTTP clients multiplex over the same port; replies route back to the
// originating request by message id, and broadcasts fan out to the SSE feed.
type bridge struct {
	toServer chan rpc.Inbound
	feed     *broadcastFeed

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan rpc.Response
	closed  bool
}

func newBridge(feed *broadcastFeed) *bridge {
	return &bridge{
		toServer: make(chan rpc.Inbound, 256),
		feed:     feed,
		pending:  make(map[uint64]chan rpc.Response),
	}
}

// call forwards one already-classified call and waits for its response. The
// id on the wire is bridge-local: independent clients each number their own
// calls from 1, so the caller's id is only unique per client. The forwarded
// frame carries the bridge id and the response gets the caller's id back.
func (b *bridge) call(ctx context.Context, origin string, call rpc.Call) (rpc.Response, error) {
	ch := make(chan rpc.Response, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return rpc.Response{}, rpc.ErrClosed
	}
	b.nextID++
	wireID := b.nextID
	b.pending[wireID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, wireID)
		b.mu.Unlock()
	}()

	forwarded := call
	forwarded.ID = wireID
	data, err := json.Marshal(forwarded)
	if err != nil {
		return rpc.Response{}, err
	}

	select {
	case b.toServer <- rpc.Inbound{Origin: origin, Data: data}:
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		resp.ID = call.ID
		return resp, nil
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	}
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.toServer)
}

// port is the server-facing end of the bridge.
func (b *bridge) port() rpc.Port {
	return bridgePort{b}
}

type bridgePort struct{ b *bridge }

func (p bridgePort) Receive() <-chan rpc.Inbound { return p.b.toServer }

// Send carries everything the rpc server emits: responses go back to the
// waiting HTTP request, broadcasts go to the event stream.
func (p bridgePort) Send(data []byte) error {
	switch msg := rpc.Classify(data); msg.Kind {
	case rpc.KindResponse:
		p.b.mu.Lock()
		ch, ok := p.b.pending[msg.Response.ID]
		if ok {
			delete(p.b.pending, msg.Response.ID)
		}
		p.b.mu.Unlock()
		if ok {
			ch <- msg.Response
		}
	case rpc.KindBroadcast:
		p.b.feed.publish(data)
	}
	return nil
}

func (p bridgePort) Close() error {
	p.b.close()
	return nil
}
