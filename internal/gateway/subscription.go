package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// Subscription is a live request-scoped update stream.
type Subscription interface {
	// ID returns the request id the gateway tags updates with.
	ID() int64

	// Topic returns the subscribed topic.
	Topic() string

	// Updates returns the update stream. It is closed when the subscription
	// ends for any reason.
	Updates() <-chan model.Message

	// Err returns why the stream ended: nil after Close, otherwise the
	// connection or gateway error.
	Err() error

	// Close cancels the subscription. Idempotent.
	Close() error
}

// subscription implements the Subscription interface.
type subscription struct {
	id    int64
	topic string
	label string
	conn  *connection

	updates chan model.Message

	mu      sync.Mutex
	closed  bool
	err     error
	updateN int
}

func newSubscription(id int64, topic string, conn *connection, buffer int) *subscription {
	if buffer <= 0 {
		buffer = DefaultConfig().BufferSize
	}
	return &subscription{
		id:      id,
		topic:   topic,
		label:   fmt.Sprintf("%s#%d", topic, id),
		conn:    conn,
		updates: make(chan model.Message, buffer),
	}
}

func (s *subscription) ID() int64                      { return s.id }
func (s *subscription) Topic() string                  { return s.topic }
func (s *subscription) Updates() <-chan model.Message { return s.updates }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver hands msg to the consumer without blocking.
func (s *subscription) deliver(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.updates <- msg:
		s.updateN++
		s.conn.obs.UpdateReceived(s.label, msg.Owner, len(msg.Fields))
	default:
		s.conn.obs.UpdateDropped(s.label, fmt.Errorf("update buffer full (%d)", cap(s.updates)))
	}
}

// finish ends the stream with err. It reports whether this call ended it.
func (s *subscription) finish(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = err
	n := s.updateN
	close(s.updates)
	s.mu.Unlock()

	s.conn.obs.SubscriptionClosed(s.label, n)
	return true
}

// Close cancels the subscription at the gateway if it is still connected.
func (s *subscription) Close() error {
	registered := s.conn.removeSub(s.id)
	if !s.finish(nil) || !registered {
		return nil
	}
	if s.conn.State() != model.Connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.write(ctx, Command{ID: s.conn.cmdID.Add(1), Cmd: "cancel", Params: CancelParams{ID: s.id}}); err != nil {
		return fmt.Errorf("cancel %s: %w", s.label, err)
	}
	return nil
}
