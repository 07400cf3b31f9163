package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHandlerNotFound  = errors.New("unknown event")
	ErrRouteNotFound    = errors.New("route not found")
	ErrTimeout          = errors.New("request timed out")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrClosed           = errors.New("endpoint closed")
	ErrOrphanResult     = errors.New("orphan result")
	ErrDuplicateID      = errors.New("duplicate correlation id")
)

// errHandlerFailed stands in for a handler error whose message is empty; an
// empty error field on the wire would read as success.
const errHandlerFailed = "handler failed"

// ErrorText returns the message to put in a result's error field. It is never
// empty for a non-nil err.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return errHandlerFailed
}

// InvocationError is returned to a caller whose result carried a non-empty error.
type InvocationError struct {
	Event   string
	Peer    string // endpoint that produced the result
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s on %s: %s", e.Event, e.Peer, e.Message)
}

// Unwrap maps well-known remote messages back to their sentinel so callers can
// use errors.Is across the wire.
func (e *InvocationError) Unwrap() error {
	for _, sentinel := range []error{ErrHandlerNotFound, ErrRouteNotFound, ErrPeerDisconnected, ErrTimeout} {
		if strings.HasPrefix(e.Message, sentinel.Error()) {
			return sentinel
		}
	}
	return nil
}
