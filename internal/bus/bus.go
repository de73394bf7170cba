// Package bus implements the in-process publish/subscribe substrate that
// sequences the runtime. Dispatch is parallel: every publish starts one
// goroutine per subscribed handler and returns immediately.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentshell/agentshell/internal/observability"
	"github.com/agentshell/agentshell/pkg/models"
)

// Handler processes one envelope. Handlers may publish further events.
// Errors are logged and counted; they never propagate to the publisher.
type Handler func(ctx context.Context, env models.Envelope) error

// Bus is an in-memory event bus with per-type fan-out.
//
// Delivery is at-most-once per (handler, envelope); there is no persistence
// and no redelivery. Ordering between event types is undefined; components
// that need per-turn ordering enforce it themselves.
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]namedHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	logger        *observability.Logger
	metrics       *observability.Metrics
	handlerErrors atomic.Int64
	handlerPanics atomic.Int64
}

type namedHandler struct {
	name string
	fn   Handler
}

// New creates an empty bus. metrics may be nil.
func New(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		handlers: make(map[models.EventType][]namedHandler),
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe registers a handler for an event type. Registration is expected
// at startup; the subscription list is read-mostly afterwards.
func (b *Bus) Subscribe(t models.EventType, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], namedHandler{name: name, fn: h})
}

// Publish dispatches the envelope to every handler subscribed to its type,
// each on its own goroutine. Publish never blocks on handler execution.
func (b *Bus) Publish(ctx context.Context, env models.Envelope) {
	if b.closed.Load() {
		return
	}
	b.mu.RLock()
	subs := b.handlers[env.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go b.invoke(ctx, sub, env)
	}
}

func (b *Bus) invoke(ctx context.Context, sub namedHandler, env models.Envelope) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.metrics.RecordBusFault("panic")
			b.logger.Error(ctx, "event handler panicked",
				"handler", sub.name,
				"event_type", string(env.Type),
				"event_id", env.EventID,
				"trace_id", env.TraceID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := sub.fn(ctx, env); err != nil {
		b.handlerErrors.Add(1)
		b.metrics.RecordBusFault("error")
		b.logger.Error(ctx, "event handler failed",
			"handler", sub.name,
			"event_type", string(env.Type),
			"event_id", env.EventID,
			"trace_id", env.TraceID,
			"error", err,
		)
	}
}

// HandlerErrors returns the number of handler invocations that returned an
// error since startup.
func (b *Bus) HandlerErrors() int64 { return b.handlerErrors.Load() }

// HandlerPanics returns the number of recovered handler panics since startup.
func (b *Bus) HandlerPanics() int64 { return b.handlerPanics.Load() }

// Close stops accepting publishes and waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.closed.Store(true)
	b.wg.Wait()
}
