package msglog

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"chatrelay/models"
	"chatrelay/store"
)

type failingStore struct {
	*store.Memory
}

func (failingStore) Append(ctx context.Context, m models.Message) error {
	return errors.New("disk on fire")
}

func newTestLog(now time.Time) *Log {
	l := New(store.NewMemory())
	l.clock = func() time.Time { return now }
	return l
}

func text(author string, ts time.Time, s string) models.Message {
	return models.Message{AuthorID: author, AuthorName: author, Text: models.StringPtr(s), Timestamp: ts}
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLog(now)

	m, err := l.Append(context.Background(), models.Message{AuthorID: "alice", Text: models.StringPtr("hi")})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if m.ID == "" {
		t.Error("Expected generated id")
	}
	if !m.Timestamp.Equal(now) {
		t.Errorf("Expected timestamp %v, got %v", now, m.Timestamp)
	}
}

func TestLoadRecentOrdered(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(now)
	ctx := context.Background()

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		ts := now.Add(-time.Duration(r.Intn(3600)) * time.Second)
		if _, err := l.Append(ctx, text("alice", ts, "x")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	msgs := l.LoadRecent(0)
	if len(msgs) != 200 {
		t.Fatalf("Expected 200 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("Order violated at %d: %v before %v", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(now)
	ctx := context.Background()

	first, _ := l.Append(ctx, text("alice", now, "first"))
	second, _ := l.Append(ctx, text("bob", now, "second"))
	earlier, _ := l.Append(ctx, text("bob", now.Add(-time.Second), "earlier"))

	msgs := l.LoadRecent(0)
	got := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	want := []string{earlier.ID, first.ID, second.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestLoadRecentWindow(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(now)
	ctx := context.Background()

	l.Append(ctx, text("alice", now.Add(-25*time.Hour), "old"))
	l.Append(ctx, text("alice", now.Add(-time.Hour), "new"))

	msgs := l.LoadRecent(24 * time.Hour)
	if len(msgs) != 1 || *msgs[0].Text != "new" {
		t.Errorf("Expected only the 1h-old message, got %+v", msgs)
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(now)
	ctx := context.Background()

	old, _ := l.Append(ctx, text("alice", now.Add(-25*time.Hour), "old"))
	edge, _ := l.Append(ctx, text("alice", now.Add(-24*time.Hour), "edge"))
	fresh, _ := l.Append(ctx, text("bob", now.Add(-time.Hour), "fresh"))

	cutoff := now.Add(-24 * time.Hour)
	n, err := l.SweepExpired(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 removed (<= cutoff), got %d", n)
	}
	if _, ok := l.Get(old.ID); ok {
		t.Error("Expected 25h-old message removed")
	}
	if _, ok := l.Get(edge.ID); ok {
		t.Error("Expected message exactly at cutoff removed")
	}
	if _, ok := l.Get(fresh.ID); !ok {
		t.Error("Expected 1h-old message kept")
	}

	// set difference against the store as well
	stored, _ := l.store.LoadRecent(ctx, time.Time{})
	if len(stored) != 1 || stored[0].ID != fresh.ID {
		t.Errorf("Expected store to hold only the fresh message, got %+v", stored)
	}
}

func TestSweepConcurrentWithAppend(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLog(now)
	ctx := context.Background()
	cutoff := now.Add(-time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ts := now.Add(-2 * time.Hour)
				if j%2 == 0 {
					ts = now
				}
				l.Append(ctx, text("alice", ts, "x"))
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			l.SweepExpired(ctx, cutoff)
		}
	}()
	wg.Wait()

	l.SweepExpired(ctx, cutoff)
	msgs := l.LoadRecent(0)
	if len(msgs) != 100 {
		t.Errorf("Expected 100 fresh messages to survive, got %d", len(msgs))
	}
	for _, m := range msgs {
		if !m.Timestamp.After(cutoff) {
			t.Fatalf("Expired message survived: %+v", m)
		}
	}
}

func TestEditDeleteAuthorization(t *testing.T) {
	l := newTestLog(time.Now())
	ctx := context.Background()

	m, _ := l.Append(ctx, text("bob", time.Time{}, "bob's"))

	if _, err := l.Edit(ctx, m.ID, "hacked", "alice"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("Expected ErrForbidden on edit, got %v", err)
	}
	if _, err := l.Delete(ctx, m.ID, "alice"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("Expected ErrForbidden on delete, got %v", err)
	}
	got, _ := l.Get(m.ID)
	if *got.Text != "bob's" || got.Edited || l.Len() != 1 {
		t.Errorf("Log changed after forbidden actions: %+v", got)
	}

	edited, err := l.Edit(ctx, m.ID, "fixed", "bob")
	if err != nil {
		t.Fatalf("Edit by author failed: %v", err)
	}
	if *edited.Text != "fixed" || !edited.Edited {
		t.Errorf("Expected edited text, got %+v", edited)
	}

	if _, err := l.Edit(ctx, "missing", "x", "bob"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	ok, err := l.Delete(ctx, "missing", "bob")
	if ok || err != nil {
		t.Errorf("Expected (false, nil) deleting missing id, got (%v, %v)", ok, err)
	}
	ok, err = l.Delete(ctx, m.ID, "bob")
	if !ok || err != nil {
		t.Errorf("Expected author delete to succeed, got (%v, %v)", ok, err)
	}
}

func TestMarkReadAnyViewer(t *testing.T) {
	l := newTestLog(time.Now())
	ctx := context.Background()

	m, _ := l.Append(ctx, text("bob", time.Time{}, "hi"))
	read, err := l.MarkRead(ctx, m.ID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if !read.Read {
		t.Error("Expected read flag")
	}
	if _, err := l.MarkRead(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAppendStorageUnavailable(t *testing.T) {
	l := New(failingStore{store.NewMemory()})

	_, err := l.Append(context.Background(), text("alice", time.Time{}, "hi"))
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("Expected log unchanged, got %d messages", l.Len())
	}
}

func TestLoadFromStore(t *testing.T) {
	now := time.Now().UTC()
	mem := store.NewMemory()
	ctx := context.Background()
	old := text("alice", now.Add(-48*time.Hour), "ancient")
	old.ID = "a"
	mem.Append(ctx, old)
	mem.Append(ctx, models.Message{ID: "b", AuthorID: "bob", Text: models.StringPtr("new"), Timestamp: now.Add(-time.Minute)})

	l := New(mem)
	l.clock = func() time.Time { return now }
	if err := l.Load(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Expected 1 message inside window, got %d", l.Len())
	}
}

func TestDeleteAll(t *testing.T) {
	l := newTestLog(time.Now())
	ctx := context.Background()
	l.Append(ctx, text("alice", time.Time{}, "a"))
	l.Append(ctx, text("bob", time.Time{}, "b"))

	if err := l.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("Expected empty log, got %d", l.Len())
	}
}
