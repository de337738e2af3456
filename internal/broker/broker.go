// Package broker defines the cross-node event relay. Rooms deliver to
// connections on the local node; the broker carries the same frames to
// peer nodes so user-scoped notifications, global chat, and private
// conversations converge in multi-node deployments. Single-node
// deployments run the in-memory implementation.
package broker

import (
	"context"
	"encoding/json"
)

// Envelope is one relayed frame. Origin identifies the publishing node so
// subscribers can skip frames they delivered locally already.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
}

// Handler receives relayed envelopes. It must not block; long work should
// be handed off.
type Handler func(env Envelope)

// Broker relays room-addressed frames between nodes. Delivery is
// best-effort fire-and-forget: a frame published while no peer is
// subscribed is dropped, matching the presence-notification model.
type Broker interface {
	// Publish relays an envelope to all subscribed nodes, including the
	// publisher's own subscription.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe registers a handler for all relayed envelopes. The returned
	// cancel function removes the subscription.
	Subscribe(ctx context.Context, fn Handler) (cancel func(), err error)

	// Close releases the broker's resources.
	Close() error
}
