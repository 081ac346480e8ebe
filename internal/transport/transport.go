// Package transport is the NATS-backed sender capability: liveness follows
// the connection state, sends go through JetStream publish acks so delivery
// is confirmed end to end.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/strada-io/strada/internal/delivery"
	"github.com/strada-io/strada/pkg/protocol"
)

// Config holds connection options for the cloud broker.
type Config struct {
	URL       string
	Token     string
	VehicleID string
	// AckTimeout bounds how long one send waits for a JetStream ack.
	AckTimeout time.Duration
	// Opts are appended to the resilience options (in-process server in tests).
	Opts []nats.Option
}

// Client implements delivery.Sender over a NATS connection.
type Client struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	subject    string
	ackTimeout time.Duration
	logger     zerolog.Logger

	mu          sync.Mutex
	onReconnect []func()
}

var _ delivery.Sender = (*Client)(nil)

// Connect dials the broker with infinite reconnect. The connection surviving
// outages is what makes reconnect-triggered retry sweeps work.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		subject:    protocol.SubjectResponses(cfg.VehicleID),
		ackTimeout: cfg.AckTimeout,
		logger:     logger.With().Str("component", "transport").Logger(),
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = 10 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info().Msg("NATS reconnected")
			c.fireReconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Warn().Msg("NATS connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	opts = append(opts, cfg.Opts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	c.nc = nc
	c.js = js
	return c, nil
}

// IsAlive reports whether the connection is currently usable.
func (c *Client) IsAlive() bool { return c.nc.IsConnected() }

// Send publishes one response and completes done with the ack result. done
// fires exactly once: inline when the publish cannot even be queued, from the
// ack goroutine otherwise.
func (c *Client) Send(payload []byte, meta delivery.SendMetadata, done func(delivery.SenderResult)) {
	ack, err := c.js.PublishAsync(c.subject, payload)
	if err != nil {
		done(delivery.SenderResult{Err: err})
		return
	}

	go func() {
		select {
		case <-ack.Ok():
			c.logger.Debug().Str("command_id", meta.CommandID).Msg("response acked")
			done(delivery.SenderResult{Accepted: true})
		case aerr := <-ack.Err():
			done(delivery.SenderResult{Err: aerr})
		case <-time.After(c.ackTimeout):
			done(delivery.SenderResult{Err: fmt.Errorf("ack timeout after %s", c.ackTimeout)})
		}
	}()
}

// OnReconnect registers a callback fired from the connection's reconnect
// handler. Used to trigger retry sweeps when connectivity returns.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *Client) fireReconnect() {
	c.mu.Lock()
	fns := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

// Conn exposes the underlying connection for subscriptions (commands in,
// heartbeats out).
func (c *Client) Conn() *nats.Conn { return c.nc }

// Close drains the connection.
func (c *Client) Close() {
	c.nc.Drain()
}
