package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for warden lifecycle events. Consumers subscribe durably, so the
// names are part of the wire contract and must stay stable.
const (
	SubjectAuditStarted   = "warden.audits.started"
	SubjectAuditCompleted = "warden.audits.completed"
	SubjectAuditFailed    = "warden.audits.failed"
	SubjectServerEnrolled = "warden.servers.enrolled"
	SubjectServerOnline   = "warden.servers.online"
	SubjectServerOffline  = "warden.servers.offline"
	SubjectInventory      = "warden.servers.inventory"
	SubjectMetricsLive    = "warden.metrics.live"
	SubjectThresholdAlert = "warden.alerts.threshold"
)

// Bus wraps a NATS JetStream connection for publishing and consuming warden
// events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Event is the envelope every warden subject carries.
type Event struct {
	Subject   string         `json:"subject"`
	EmittedAt time.Time      `json:"emitted_at"`
	Payload   map[string]any `json:"payload"`
}

// Connect creates a Bus connected to the provided NATS endpoint.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish wraps payload in an Event envelope and publishes it to subject.
// A nil Bus is a no-op so event emission stays best-effort for callers that
// run without a broker.
func (b *Bus) Publish(ctx context.Context, subject string, payload map[string]any) error {
	if b == nil {
		return nil
	}
	if subject == "" {
		return errors.New("subject is required")
	}

	evt := Event{
		Subject:   subject,
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subject, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for
// each event envelope. Handler errors Nak the message for redelivery.
func (b *Bus) Subscribe(ctx context.Context, subject, durable string, fn func(ctx context.Context, evt Event) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			// Malformed envelopes are terminal, redelivery cannot fix them.
			_ = msg.Ack()
			return
		}

		if err := fn(handlerCtx, evt); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subject, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
