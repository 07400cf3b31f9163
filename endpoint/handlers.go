package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// HandlerFunc answers one invocation. The returned value is JSON-encoded into
// the result's Data; a non-nil error becomes the result's Error.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// Args are the ordered, still-encoded arguments of a cmd.
type Args []json.RawMessage

// ParseArgs splits a cmd's Data (a JSON array) into Args. Empty data means no arguments.
func ParseArgs(data json.RawMessage) (Args, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var args Args
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array: %w", err)
	}
	return args, nil
}

func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Bind decodes the leading arguments into vs, in order.
func (a Args) Bind(vs ...any) error {
	for i, v := range vs {
		if err := a.Decode(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Handlers is the Handler Registry: operation name → HandlerFunc.
// The last registration for a name wins; there is no unregistration.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]HandlerFunc)}
}

func (h *Handlers) Set(event string, fn HandlerFunc) error {
	if event == "" {
		return errors.New("handler: empty event name")
	}
	if fn == nil {
		return fmt.Errorf("handler %q: nil func", event)
	}
	h.mu.Lock()
	h.m[event] = fn
	h.mu.Unlock()
	return nil
}

func (h *Handlers) Get(event string) (HandlerFunc, bool) {
	h.mu.RLock()
	fn, ok := h.m[event]
	h.mu.RUnlock()
	return fn, ok
}

// Events lists the registered names in sorted order.
func (h *Handlers) Events() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	events := make([]string, 0, len(h.m))
	for e := range h.m {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Func adapts an ordinary Go function into a HandlerFunc. fn may take a leading
// context.Context followed by any JSON-decodable parameters, and may return
// nothing, a value, an error, or (value, error). The signature is checked here,
// once, rather than at call time.
func Func(fn any) (HandlerFunc, error) {
	if fn == nil {
		return nil, errors.New("handler: nil func")
	}
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler: want func, got %s", ft.Kind())
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("handler: variadic %s is not supported", ft)
	}

	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		first = 1
	}
	params := make([]reflect.Type, 0, ft.NumIn()-first)
	for i := first; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}

	valueOut, errOut := -1, -1
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			errOut = 0
		} else {
			valueOut = 0
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("handler: second result of %s must be error", ft)
		}
		valueOut, errOut = 0, 1
	default:
		return nil, fmt.Errorf("handler: %s returns too many values", ft)
	}

	return func(ctx context.Context, args Args) (any, error) {
		if len(args) != len(params) {
			return nil, fmt.Errorf("expects %d arguments, got %d", len(params), len(args))
		}
		in := make([]reflect.Value, 0, ft.NumIn())
		if first == 1 {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, pt := range params {
			argv := reflect.New(pt)
			if err := json.Unmarshal(args[i], argv.Interface()); err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, argv.Elem())
		}

		out := fv.Call(in)
		var (
			value any
			err   error
		)
		if valueOut >= 0 {
			value = out[valueOut].Interface()
		}
		if errOut >= 0 && !out[errOut].IsNil() {
			err = out[errOut].Interface().(error)
		}
		return value, err
	}, nil
}

// As decodes the result of a Call into T, passing err through.
//
//	sum, err := endpoint.As[int](p.Invoke(ctx, "add", 1, 2))
func As[T any](raw json.RawMessage, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}
