// Package pubsub bridges the cross-worker event channel into the local
// connection manager. Background workers cannot push frames into another
// process's HTTP stream, so they publish JSON envelopes on a shared channel;
// every API worker runs one Bridge that ingests the envelopes and enqueues
// frames for the connections it owns.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/store"
)

// DefaultChannel is the cross-worker pub/sub channel name.
const DefaultChannel = "sse_events"

type (
	// Envelope is the JSON message carried on the cross-worker channel.
	// When ConnectionID is empty the event is broadcast to every locally
	// owned connection.
	Envelope struct {
		EventType    string         `json:"event_type"`
		ConnectionID string         `json:"connection_id,omitempty"`
		Data         map[string]any `json:"data"`
		// Origin names the worker that already delivered the event to its
		// own connections; that worker's bridge skips the envelope.
		Origin string `json:"origin,omitempty"`
	}

	// Bridge is the long-running subscriber that dispatches envelopes to the
	// local connection manager. The subscription is supervised: on any error
	// it reconnects after a short back-off.
	Bridge struct {
		store   store.Store
		manager *conn.Manager
		channel string
		backoff time.Duration
	}

	// Options configures a Bridge.
	Options struct {
		// Store is the shared store client. Required.
		Store store.Store
		// Manager is the local connection manager. Required.
		Manager *conn.Manager
		// Channel is the pub/sub channel name. Defaults to DefaultChannel.
		Channel string
		// Backoff is the reconnect delay after subscription errors.
		// Defaults to 5s.
		Backoff time.Duration
	}
)

// New constructs a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errRequired("store")
	}
	if opts.Manager == nil {
		return nil, errRequired("manager")
	}
	b := &Bridge{
		store:   opts.Store,
		manager: opts.Manager,
		channel: opts.Channel,
		backoff: opts.Backoff,
	}
	if b.channel == "" {
		b.channel = DefaultChannel
	}
	if b.backoff <= 0 {
		b.backoff = 5 * time.Second
	}
	return b, nil
}

// Publish sends an envelope on the cross-worker channel.
func Publish(ctx context.Context, s store.Store, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Publish(ctx, channel, payload)
}

// Run subscribes to the channel and dispatches messages until ctx is done.
// Subscription failures are logged and retried after the back-off; they
// never terminate the worker.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if err := b.consume(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "pubsub subscription lost"}, log.KV{K: "channel", V: b.channel})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff):
		}
	}
}

// consume runs one subscription until it fails or ctx is done.
func (b *Bridge) consume(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close subscription"})
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return errSubscriptionClosed
			}
			b.dispatch(ctx, payload)
		}
	}
}

// dispatch decodes one envelope and enqueues it locally. Unknown event types
// and undecodable envelopes are logged and dropped.
func (b *Bridge) dispatch(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "drop undecodable envelope"})
		return
	}
	t := event.Type(env.EventType)
	if !t.Valid() {
		log.Warn(ctx, log.KV{K: "msg", V: "drop unknown event type"}, log.KV{K: "event_type", V: env.EventType})
		return
	}
	if env.Origin != "" && env.Origin == b.manager.Worker() {
		return
	}
	if env.ConnectionID != "" {
		if b.manager.Owned(env.ConnectionID) {
			b.manager.Deliver(ctx, env.ConnectionID, event.New(t, env.ConnectionID, env.Data))
		}
		return
	}
	// No target: broadcast to every locally owned connection.
	for _, id := range b.manager.OwnedIDs() {
		b.manager.Deliver(ctx, id, event.New(t, id, env.Data))
	}
}
