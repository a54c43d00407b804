// Package bus is the in-process notification dispatcher between the turnover
// orchestrator and its consumers. Delivery is synchronous on the publisher's
// goroutine, handlers run in registration order, and a handler error aborts
// the remaining handlers and propagates to the publisher. There is no
// persistence and no redelivery; the durable record lives in the event log.
package bus

import (
	"context"
	"sync"
)

type Kind string

const (
	KindTenantMovedOut     Kind = "tenant.moved-out"
	KindWorkOrderCompleted Kind = "workorder.completed"
	KindTurnoverReady      Kind = "property.ready-for-move-in"
)

// TenantMovedOut fires when a turnover starts for a vacated property.
type TenantMovedOut struct {
	PropertyID string
}

func (TenantMovedOut) Kind() Kind { return KindTenantMovedOut }

// WorkOrderCompleted fires once per work order completion.
type WorkOrderCompleted struct {
	TurnoverID  string
	WorkOrderID string
	Type        string
}

func (WorkOrderCompleted) Kind() Kind { return KindWorkOrderCompleted }

// TurnoverReady fires exactly once per turnover, when every work order is done.
type TurnoverReady struct {
	PropertyID     string
	TurnoverID     string
	CycleTimeHours int64
}

func (TurnoverReady) Kind() Kind { return KindTurnoverReady }

type Event interface {
	Kind() Kind
}

type Handler func(ctx context.Context, evt Event) error

type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

func New() *Bus {
	return &Bus{handlers: map[Kind][]Handler{}}
}

// Subscribe registers a handler for one event kind. Handlers for the same
// kind are invoked in the order they were registered.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish delivers evt to every handler of its kind and returns after the
// last handler returns. The first handler error stops delivery and is
// returned to the caller.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	handlers := b.handlers[evt.Kind()]
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
