package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []Event
	closed bool
	block  chan struct{}
}

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Event) error { return errors.New("broker down") }
func (failingSink) Close() error                         { return nil }

// TestTapDeliversInOrder tests that every sink sees events in emit order
func TestTapDeliversInOrder(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	tap := NewTap(64, a, b)

	for i := 0; i < 20; i++ {
		tap.Emit(Event{Kind: MessagePosted, Count: i})
	}
	if err := tap.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, s := range []*recordingSink{a, b} {
		got := s.events()
		if len(got) != 20 {
			t.Fatalf("Expected 20 events, got %d", len(got))
		}
		for i, ev := range got {
			if ev.Count != i {
				t.Errorf("Position %d: expected count %d, got %d", i, i, ev.Count)
			}
			if ev.At.IsZero() {
				t.Errorf("Expected timestamp to be filled in")
			}
		}
		if !s.closed {
			t.Error("Expected sink to be closed")
		}
	}
	if st := tap.Stats(); st.Published != 40 {
		t.Errorf("Expected 40 published, got %+v", st)
	}
}

// TestTapDropsWhenFull tests that a stalled sink never blocks Emit
func TestTapDropsWhenFull(t *testing.T) {
	s := &recordingSink{block: make(chan struct{})}
	tap := NewTap(2, s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			tap.Emit(Event{Kind: SessionOpened})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}

	if st := tap.Stats(); st.Dropped == 0 {
		t.Errorf("Expected drops, got %+v", st)
	}
	close(s.block)
	tap.Close(context.Background())
}

// TestTapCountsFailures tests that sink errors are counted and skipped
func TestTapCountsFailures(t *testing.T) {
	ok := &recordingSink{}
	tap := NewTap(8, failingSink{}, ok)
	tap.Emit(Event{Kind: ChatCleared, ActorID: "u1"})
	tap.Close(context.Background())

	if len(ok.events()) != 1 {
		t.Errorf("Expected healthy sink to receive the event")
	}
	if st := tap.Stats(); st.Failed != 1 || st.Published != 1 {
		t.Errorf("Expected 1 failed and 1 published, got %+v", st)
	}
}

// TestNilTap tests that a tap without sinks is a no-op
func TestNilTap(t *testing.T) {
	tap := NewTap(8)
	if tap != nil {
		t.Fatal("Expected nil tap without sinks")
	}
	tap.Emit(Event{Kind: MessagePosted})
	if err := tap.Close(context.Background()); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if st := tap.Stats(); st != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", st)
	}
}

func TestEventKey(t *testing.T) {
	if k := (Event{ActorID: "a", MessageID: "m"}).Key(); k != "a" {
		t.Errorf("Expected actor key, got %q", k)
	}
	if k := (Event{MessageID: "m"}).Key(); k != "m" {
		t.Errorf("Expected message key, got %q", k)
	}
}
