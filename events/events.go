// Package events mirrors chat activity to external brokers. Delivery is
// best effort and never slows down the relay: events are queued and a single
// goroutine hands them to every configured sink.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/logger"
)

type Kind string

const (
	MessagePosted  Kind = "message.posted"
	MessageEdited  Kind = "message.edited"
	MessageDeleted Kind = "message.deleted"
	MessageRead    Kind = "message.read"
	ChatCleared    Kind = "chat.cleared"
	SessionOpened  Kind = "session.opened"
	SessionClosed  Kind = "session.closed"
	MessagesSwept  Kind = "messages.swept"
)

// Event carries identifiers only, never message bodies or attachments.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	ActorID   string    `json:"actorId,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Count     int       `json:"count,omitempty"`
}

// Key picks a partitioning key so events about one user stay together.
func (e Event) Key() string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return e.MessageID
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Tap struct {
	sinks   []Sink
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewTap returns nil when there are no sinks; a nil *Tap ignores Emit.
func NewTap(queueSize int, sinks ...Sink) *Tap {
	if len(sinks) == 0 {
		return nil
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	t := &Tap{
		sinks:   sinks,
		timeout: 3 * time.Second,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tap) Emit(ev Event) {
	if t == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.dropped.Add(1)
		logger.Debugf("[events] queue full, dropping %s", ev.Kind)
	}
}

func (t *Tap) run() {
	defer close(t.done)
	for ev := range t.queue {
		for _, s := range t.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
			err := s.Publish(ctx, ev)
			cancel()
			if err != nil {
				t.failed.Add(1)
				logger.Warnf("[events] publish %s failed: %v", ev.Kind, err)
				continue
			}
			t.published.Add(1)
		}
	}
}

type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

func (t *Tap) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	return Stats{
		Published: t.published.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
	}
}

// Close flushes what is queued until ctx ends, then closes the sinks.
func (t *Tap) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	var err error
	select {
	case <-t.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, s := range t.sinks {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
