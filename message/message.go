// Package message defines the Payload record exchanged between any two endpoints.
//
// Payload is the "envelope" for every invocation and every result. It gets serialized
// by the codec layer and wrapped in a protocol frame before it reaches the transport.
//
//   - On cmd:    Event names the handler, Data is a JSON array of arguments.
//   - On result: From/To are swapped relative to the cmd, Data is the single return
//     value, Error is non-empty if the handler failed.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Broadcast is the only non-endpoint value allowed in To. It is legal on cmd
// payloads sent from a peer to the hub and means "fan out to every other peer".
const Broadcast = "all"

// Type distinguishes invocations, results and the out-of-band control kinds.
type Type string

const (
	TypeCmd    Type = "cmd"
	TypeResult Type = "result"

	// Control kinds. They never enter the pending table.
	TypeHello   Type = "hello"   // peer → hub, first frame on a connection
	TypeWelcome Type = "welcome" // hub → peer, answer to hello
	TypeJoin    Type = "join"    // hub → peers, a peer finished its handshake
	TypeLeave   Type = "leave"   // hub → peers, a peer connection closed
)

// Presence event names, also used as handler names for presence callbacks.
const (
	EventJoin  = "join"
	EventLeave = "leave"
)

var (
	ErrMissingID    = errors.New("message: missing id")
	ErrUnknownType  = errors.New("message: unknown type")
	ErrMissingFrom  = errors.New("message: missing from")
	ErrMissingTo    = errors.New("message: missing to")
	ErrMissingEvent = errors.New("message: cmd without event")
	ErrResultToAll  = errors.New("message: result addressed to all")
)

// Payload carries a single invocation, result or control notice.
type Payload struct {
	ID    string          `json:"id" cbor:"1,keyasint"`
	Type  Type            `json:"type" cbor:"2,keyasint"`
	From  string          `json:"from" cbor:"3,keyasint"`
	To    string          `json:"to" cbor:"4,keyasint"`
	Event string          `json:"event,omitempty" cbor:"5,keyasint,omitempty"`
	Data  json.RawMessage `json:"data,omitempty" cbor:"6,keyasint,omitempty"`
	Error string          `json:"error,omitempty" cbor:"7,keyasint,omitempty"`
}

// NewCommand builds a cmd payload whose Data is the JSON array of args.
func NewCommand(id, from, to, event string, args ...any) (*Payload, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %q: %w", event, err)
	}
	return &Payload{
		ID:    id,
		Type:  TypeCmd,
		From:  from,
		To:    to,
		Event: event,
		Data:  data,
	}, nil
}

// Reply builds the result for p: same ID and Event, From and To swapped.
func (p *Payload) Reply(data json.RawMessage, errMsg string) *Payload {
	return &Payload{
		ID:    p.ID,
		Type:  TypeResult,
		From:  p.To,
		To:    p.From,
		Event: p.Event,
		Data:  data,
		Error: errMsg,
	}
}

// IsControl reports whether p is a handshake or presence notice.
func (p *Payload) IsControl() bool {
	switch p.Type {
	case TypeHello, TypeWelcome, TypeJoin, TypeLeave:
		return true
	}
	return false
}

// Validate checks the fields every endpoint relies on before routing p.
func (p *Payload) Validate() error {
	switch p.Type {
	case TypeCmd, TypeResult:
		if p.ID == "" {
			return ErrMissingID
		}
	case TypeHello, TypeWelcome, TypeJoin, TypeLeave:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if p.From == "" {
		return ErrMissingFrom
	}
	if p.Type == TypeHello {
		return nil
	}
	if p.To == "" {
		return ErrMissingTo
	}
	if p.Type == TypeCmd && p.Event == "" {
		return ErrMissingEvent
	}
	if p.Type == TypeResult && p.To == Broadcast {
		return ErrResultToAll
	}
	return nil
}

// BroadcastResult is one recipient's answer inside an aggregated broadcast.
type BroadcastResult struct {
	Peer  string          `json:"peer"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Hello is the Data of the first frame a peer sends after connecting.
type Hello struct {
	ID string `json:"id"`
}

// Welcome is the hub's answer to Hello. A non-empty Error means the hub
// refused the connection and is about to close it.
type Welcome struct {
	HubID string   `json:"hubId"`
	Peers []string `json:"peers,omitempty"`
	Error string   `json:"error,omitempty"`
}
