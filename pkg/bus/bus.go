// Package bus wraps a NATS JetStream connection used as the task broker.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Msg is one delivered message.
type Msg struct {
	Subject string
	Data    []byte
	Header  nats.Header
}

// Handler processes a message. A nil return acks it, a DelayError naks it
// with the requested delay and any other error naks it for immediate
// redelivery.
type Handler func(ctx context.Context, msg Msg) error

// DelayError asks the broker to redeliver the message after After.
type DelayError struct {
	After time.Duration
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("redeliver after %s", e.After)
}

// Delay returns a DelayError for d.
func Delay(d time.Duration) error {
	return &DelayError{After: d}
}

// Bus wraps a NATS JetStream connection for publishing and consuming messages.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
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

// JetStream exposes the JetStream context, used for the key value cache.
func (b *Bus) JetStream() nats.JetStreamContext { return b.js }

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Ready reports whether the connection is up.
func (b *Bus) Ready() bool {
	return b != nil && b.conn.IsConnected()
}

// EnsureStream creates the stream when it does not exist yet.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

// Publish encodes v as JSON and publishes it to subj with header.
func (b *Bus) Publish(ctx context.Context, subj string, v any, header map[string]string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subj)
	msg.Data = data
	for k, val := range header {
		msg.Header.Set(k, val)
	}
	_, err = b.js.PublishMsg(msg, nats.Context(ctx))
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

// Subscribe creates a durable queue consumer on subj and invokes fn for
// each message. ackWait should exceed the longest handler run.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, ackWait time.Duration, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := fn(handlerCtx, Msg{Subject: msg.Subject, Data: msg.Data, Header: msg.Header})
		var delay *DelayError
		switch {
		case err == nil:
			_ = msg.Ack()
		case errors.As(err, &delay):
			_ = msg.NakWithDelay(delay.After)
		default:
			_ = msg.Nak()
		}
	}

	opts := []nats.SubOpt{nats.Durable(durable), nats.ManualAck(), nats.AckExplicit()}
	if ackWait > 0 {
		opts = append(opts, nats.AckWait(ackWait))
	}
	sub, err := b.js.QueueSubscribe(subj, durable, handler, opts...)
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
