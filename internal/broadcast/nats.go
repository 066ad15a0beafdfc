package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/craftlink/chat-service/internal/logger"
)

// NATS is a Fabric backed by a NATS connection, letting sessions on different
// server instances share room channels. Channels map directly to NATS
// subjects.
type NATS struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // handle -> active subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-service",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATS connects to NATS with the given config and returns a ready fabric.
// It returns an error if the initial connection fails.
func NewNATS(config NATSConfig) (*NATS, error) {
	log := logger.Component("broadcast")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			} else {
				log.Warn().Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("broadcast: nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	return &NATS{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Subscribe registers the handle on the channel's subject, replacing any
// previous subscription the handle held.
func (f *NATS) Subscribe(channel, handle string, fn Handler) error {
	sub, err := f.conn.Subscribe(channel, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("broadcast: subscribe %s: %w", channel, err)
	}

	f.mu.Lock()
	old := f.subs[handle]
	f.subs[handle] = sub
	f.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			logger.Component("broadcast").Warn().Err(err).Str("handle", handle).
				Msg("failed to drop previous subscription")
		}
	}
	return nil
}

// Unsubscribe removes the handle's current subscription. Unsubscribing a
// handle that has none is a no-op.
func (f *NATS) Unsubscribe(handle string) error {
	f.mu.Lock()
	sub, ok := f.subs[handle]
	delete(f.subs, handle)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("broadcast: unsubscribe handle %s: %w", handle, err)
	}
	return nil
}

// Publish sends event on the channel's subject.
func (f *NATS) Publish(channel string, event []byte) error {
	if err := f.conn.Publish(channel, event); err != nil {
		return fmt.Errorf("broadcast: publish %s: %w", channel, err)
	}
	return nil
}

// Close drains all active subscriptions and the connection.
func (f *NATS) Close() {
	log := logger.Component("broadcast")

	f.mu.Lock()
	for handle, sub := range f.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("handle", handle).Msg("drain subscription")
		}
	}
	f.subs = make(map[string]*nats.Subscription)
	f.mu.Unlock()

	if err := f.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("drain connection")
	}
	log.Info().Msg("fabric closed")
}
