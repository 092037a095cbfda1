package websocket

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc processes one request message and produces the reply.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages by action. A request for an
// unregistered action yields an error reply, not a Go error, so one
// protocol mistake does not tear down the connection.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc binds an action to its handler. A later registration
// for the same action replaces the earlier one.
func (d *Dispatcher) RegisterFunc(action string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = fn
}

// Actions returns the registered action names in sorted order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]string, 0, len(d.handlers))
	for a := range d.handlers {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// Dispatch routes a message to the handler registered for its action.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	d.mu.RLock()
	fn, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"unknown action: "+msg.Action, nil)
	}
	return fn(ctx, msg)
}
