package rpc

import (
	"sync"
)

// Inbound is one message received from a port, tagged with the sender's
// origin as attested by the transport binding, not by the payload.
type Inbound struct {
	Origin string
	Data   []byte
}

// Port is one end of an asynchronous, unordered, unacknowledged message
// channel between two execution contexts. Delivery is best effort; a full
// peer drops messages rather than exerting backpressure.
type Port interface {
	Send(data []byte) error
	Receive() <-chan Inbound
	Close() error
}

type pipeEnd struct {
	origin string // origin the peer sees on messages sent from this end
	out    chan Inbound
	in     chan Inbound

	mu     sync.Mutex
	closed bool
}

// NewPipe returns a connected in-memory port pair for same-process context
// wiring and tests. Messages sent on one end arrive on the other tagged with
// the sending end's origin.
func NewPipe(originA, originB string, buffer int) (a, b Port) {
	if buffer < 1 {
		buffer = 64
	}
	aToB := make(chan Inbound, buffer)
	bToA := make(chan Inbound, buffer)
	endA := &pipeEnd{origin: originA, out: aToB, in: bToA}
	endB := &pipeEnd{origin: originB, out: bToA, in: aToB}
	return endA, endB
}

func (p *pipeEnd) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.out <- Inbound{Origin: p.origin, Data: buf}:
	default:
		// Peer is not draining; the transport contract is lossy.
	}
	return nil
}

func (p *pipeEnd) Receive() <-chan Inbound {
	return p.in
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}
