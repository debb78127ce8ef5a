// Package rpc implements request/response calls and one-way broadcasts
// between execution contexts connected by an asynchronous message port with
// no delivery guarantee. Hostile co-resident contexts are a design
// assumption: every inbound message is origin-checked before its payload is
// inspected, and invalid traffic is dropped and logged, never surfaced into
// application code.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Version is the protocol version tag carried by calls and responses.
	Version = "2.0"

	// BroadcastPrefix marks one-way event messages.
	BroadcastPrefix = "broadcast/"

	// DefaultCallTimeout is a generous ceiling suited to human-paced wallet
	// flows; individual calls can tighten it through CallWithTimeout.
	DefaultCallTimeout = 10 * time.Minute
)

const (
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeOperationFailed = -32000
)

var (
	ErrTimeout          = errors.New("rpc call timed out")
	ErrClosed           = errors.New("rpc endpoint is closed")
	ErrDuplicateHandler = errors.New("rpc handler already registered")
)

type Call struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

type Broadcast struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
}

// RemoteError is a server-reported call failure.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc remote error %d: %s", e.Code, e.Message)
}

// Kind is the closed set of inbound message shapes. Dispatch matches it
// exhaustively; anything that fits none of the variants is KindInvalid and
// gets dropped at the transport.
type Kind int

const (
	KindInvalid Kind = iota
	KindCall
	KindResponse
	KindBroadcast
)

type Message struct {
	Kind      Kind
	Call      Call
	Response  Response
	Broadcast Broadcast
}

// Classify decodes raw bytes into exactly one message variant.
func Classify(data []byte) Message {
	var probe struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      *uint64           `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
		Result  json.RawMessage   `json:"result"`
		Error   *ResponseError    `json:"error"`
		Type    string            `json:"type"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{Kind: KindInvalid}
	}

	switch {
	case probe.Type != "":
		if !strings.HasPrefix(probe.Type, BroadcastPrefix) || len(probe.Type) == len(BroadcastPrefix) {
			return Message{Kind: KindInvalid}
		}
		if probe.Data == nil {
			return Message{Kind: KindInvalid}
		}
		return Message{Kind: KindBroadcast, Broadcast: Broadcast{Type: probe.Type, Data: probe.Data}}
	case probe.Method != "":
		if probe.JSONRPC != Version || probe.ID == nil {
			return Message{Kind: KindInvalid}
		}
		return Message{Kind: KindCall, Call: Call{
			JSONRPC: probe.JSONRPC,
			ID:      *probe.ID,
			Method:  probe.Method,
			Params:  probe.Params,
		}}
	case probe.ID != nil && (probe.Result != nil || probe.Error != nil):
		if probe.JSONRPC != Version {
			return Message{Kind: KindInvalid}
		}
		return Message{Kind: KindResponse, Response: Response{
			JSONRPC: probe.JSONRPC,
			ID:      *probe.ID,
			Result:  probe.Result,
			Error:   probe.Error,
		}}
	default:
		return Message{Kind: KindInvalid}
	}
}

// EventName strips the broadcast prefix from a broadcast type.
func (b Broadcast) EventName() string {
	return strings.TrimPrefix(b.Type, BroadcastPrefix)
}
