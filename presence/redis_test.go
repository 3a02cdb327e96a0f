package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisMirror failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestMirrorOnlineOffline(t *testing.T) {
	m, mr := setupMirror(t)
	ctx := context.Background()

	if err := m.UpdatePresence(ctx, "alice", true, time.Time{}); err != nil {
		t.Fatalf("UpdatePresence(online) failed: %v", err)
	}
	online, lastSeen, err := m.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !online || lastSeen != nil {
		t.Errorf("Expected online with no lastSeen, got %v %v", online, lastSeen)
	}
	if ok, _ := mr.SIsMember(onlineSet, "alice"); !ok {
		t.Error("Expected alice in online set")
	}

	seen := time.UnixMilli(1700000000000).UTC()
	if err := m.UpdatePresence(ctx, "alice", false, seen); err != nil {
		t.Fatalf("UpdatePresence(offline) failed: %v", err)
	}
	online, lastSeen, err = m.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if online || lastSeen == nil || !lastSeen.Equal(seen) {
		t.Errorf("Expected offline lastSeen=%v, got %v %v", seen, online, lastSeen)
	}
	ids, err := m.Online(ctx)
	if err != nil {
		t.Fatalf("Online failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty online set, got %v", ids)
	}
}

func TestMirrorUnavailable(t *testing.T) {
	m, mr := setupMirror(t)
	mr.Close()

	if err := m.UpdatePresence(context.Background(), "alice", true, time.Time{}); err == nil {
		t.Error("Expected error once redis is gone")
	}
}
