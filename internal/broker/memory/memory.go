// Package memory provides an in-process broker.Broker for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/broker"
)

// Broker implements broker.Broker with a plain subscriber set. Publish
// dispatches synchronously; handlers are expected to be cheap.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]broker.Handler
	closed bool
}

var _ broker.Broker = (*Broker)(nil)

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{subs: make(map[int]broker.Handler)}
}

func (b *Broker) Publish(ctx context.Context, env broker.Envelope) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.mu.RLock()
	handlers := make([]broker.Handler, 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(env)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, fn broker.Handler) (func(), error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]broker.Handler)
	b.closed = true
	return nil
}
