// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package events publishes sync lifecycle events over watermill.
//
// The in-process gochannel backend is the default; the NATS backend publishes
// to core NATS subjects named after the configured topic. Publishing is best
// effort: a failed publish is logged and counted, never surfaced to the sync.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
)

// Type names a lifecycle transition.
type Type string

const (
	SyncStarted   Type = "sync.started"
	SyncCompleted Type = "sync.completed"
	SyncFailed    Type = "sync.failed"
	SyncCancelled Type = "sync.cancelled"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// SyncEvent is the payload of every lifecycle message.
type SyncEvent struct {
	EventID    string    `json:"event_id"`
	Type       Type      `json:"type"`
	Namespace  string    `json:"namespace"`
	RunID      string    `json:"run_id,omitempty"`
	SyncType   string    `json:"sync_type"`
	Status     string    `json:"status"`
	Processed  int       `json:"processed"`
	Written    int       `json:"written"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is what the sync orchestrator depends on.
type Publisher interface {
	Publish(ctx context.Context, ev SyncEvent) error
	Close() error
}

// Bus publishes SyncEvents to a single watermill topic.
type Bus struct {
	pub   message.Publisher
	sub   message.Subscriber // nil unless the backend can also subscribe
	topic string

	mu     sync.RWMutex
	closed bool
}

// New builds the configured backend. A disabled config yields Nop.
func New(cfg config.EventsConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	logger := NewLoggerAdapter()

	switch cfg.Backend {
	case "nats":
		pub, err := newNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return &Bus{pub: pub, topic: cfg.Topic}, nil
	case "gochannel", "":
		return NewGoChannel(cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// NewGoChannel returns an in-process bus. Subscribe works on it.
func NewGoChannel(topic string) *Bus {
	logger := NewLoggerAdapter()
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Bus{pub: ch, sub: ch, topic: topic}
}

func newNATSPublisher(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}
	return pub, nil
}

// Publish encodes ev and sends it to the bus topic. EventID and OccurredAt
// are filled in when empty.
func (b *Bus) Publish(ctx context.Context, ev SyncEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	msg := message.NewMessage(ev.EventID, data)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("namespace", ev.Namespace)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}
	msg.SetContext(ctx)

	if err := b.pub.Publish(b.topic, msg); err != nil {
		metrics.EventsPublished.WithLabelValues(b.topic, "error").Inc()
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(b.topic, "ok").Inc()
	return nil
}

// Subscribe returns the topic's message stream. Only in-process buses
// support it; consumers must Ack every message.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if b.sub == nil {
		return nil, errors.New("backend does not support subscribing")
	}
	return b.sub.Subscribe(ctx, b.topic)
}

// Topic returns the topic events are published to.
func (b *Bus) Topic() string {
	return b.topic
}

// Close shuts the backend down. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pub.Close()
}

// Decode parses a message payload back into a SyncEvent.
func Decode(msg *message.Message) (SyncEvent, error) {
	var ev SyncEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return SyncEvent{}, fmt.Errorf("decode sync event %s: %w", msg.UUID, err)
	}
	return ev, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, SyncEvent) error { return nil }
func (Nop) Close() error                             { return nil }

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Nop{}
)
