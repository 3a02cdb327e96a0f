// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"chatrelay/models"
	"chatrelay/store"
)

func msg(id, author string, ts time.Time, text string) models.Message {
	return models.Message{
		ID:         id,
		AuthorID:   author,
		AuthorName: author,
		Text:       models.StringPtr(text),
		Timestamp:  ts,
	}
}

// MessageStore exercises s; s must start empty.
func MessageStore(t *testing.T, s store.MessageStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	old := msg("m-old", "alice", base.Add(-25*time.Hour), "old")
	recent := msg("m-recent", "bob", base.Add(-time.Hour), "recent")
	media := models.Message{
		ID:         "m-media",
		AuthorID:   "alice",
		AuthorName: "alice",
		Attachment: &models.Attachment{Type: "image/png", Name: "a.png", Data: "data:image/png;base64,AA=="},
		Timestamp:  base,
	}

	// appended out of order on purpose
	for _, m := range []models.Message{recent, old, media} {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append(%s) failed: %v", m.ID, err)
		}
	}

	all, err := s.LoadRecent(ctx, time.Time{})
	if err != nil {
		t.Fatalf("LoadRecent failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(all))
	}
	wantOrder := []string{"m-old", "m-recent", "m-media"}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}
	if all[2].Attachment == nil || all[2].Attachment.Name != "a.png" || all[2].Text != nil {
		t.Errorf("Media message not round-tripped: %+v", all[2])
	}
	if !all[1].Timestamp.Equal(recent.Timestamp) {
		t.Errorf("Expected timestamp %v, got %v", recent.Timestamp, all[1].Timestamp)
	}

	recent.Text = models.StringPtr("edited")
	recent.Edited = true
	recent.Read = true
	if err := s.Update(ctx, recent); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.Update(ctx, msg("missing", "bob", base, "x")); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing message, got %v", err)
	}

	window, err := s.LoadRecent(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("LoadRecent(window) failed: %v", err)
	}
	if len(window) != 2 || window[0].ID != "m-recent" {
		t.Fatalf("Expected [m-recent m-media], got %+v", window)
	}
	if *window[0].Text != "edited" || !window[0].Edited || !window[0].Read {
		t.Errorf("Update not persisted: %+v", window[0])
	}

	removed, err := s.DeleteOlderThan(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	if err := s.Delete(ctx, "m-media"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "m-media"); err != nil {
		t.Errorf("Delete of missing id should be a no-op, got %v", err)
	}
	left, _ := s.LoadRecent(ctx, time.Time{})
	if len(left) != 1 || left[0].ID != "m-recent" {
		t.Errorf("Expected only m-recent left, got %+v", left)
	}

	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	left, _ = s.LoadRecent(ctx, time.Time{})
	if len(left) != 0 {
		t.Errorf("Expected empty store after DeleteAll, got %d", len(left))
	}
}

// CredentialStore exercises s; s must start empty.
func CredentialStore(t *testing.T, s store.CredentialStore) {
	t.Helper()
	ctx := context.Background()

	alice, err := s.CreateIdentity(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}
	if alice.ID == "" || alice.PasswordHash == "" || alice.PasswordHash == "secret1" {
		t.Errorf("Expected id and bcrypt hash, got %+v", alice)
	}
	if _, err := s.CreateIdentity(ctx, "alice", "other"); !errors.Is(err, models.ErrUsernameTaken) {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}
	if _, err := s.CreateIdentity(ctx, "", "x"); err == nil {
		t.Error("Expected error for empty username")
	}
	bob, err := s.CreateIdentity(ctx, "bob", "secret2")
	if err != nil {
		t.Fatalf("CreateIdentity(bob) failed: %v", err)
	}

	got, err := s.Authenticate(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != alice.ID {
		t.Errorf("Expected id %s, got %s", alice.ID, got.ID)
	}
	if _, err := s.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, models.ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure for wrong password, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "nobody", "secret1"); !errors.Is(err, models.ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure for unknown user, got %v", err)
	}

	seen := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdatePresence(ctx, bob.ID, true, seen); err != nil {
		t.Fatalf("UpdatePresence(online) failed: %v", err)
	}
	if err := s.UpdatePresence(ctx, alice.ID, false, seen); err != nil {
		t.Fatalf("UpdatePresence(offline) failed: %v", err)
	}

	ids, err := s.Identities(ctx)
	if err != nil {
		t.Fatalf("Identities failed: %v", err)
	}
	if len(ids) != 2 || ids[0].Username != "alice" || ids[1].Username != "bob" {
		t.Fatalf("Expected [alice bob] in creation order, got %+v", ids)
	}
	if ids[0].IsOnline || ids[0].LastSeen == nil || !ids[0].LastSeen.Equal(seen) {
		t.Errorf("Expected alice offline with lastSeen %v, got %+v", seen, ids[0])
	}
	if !ids[1].IsOnline {
		t.Errorf("Expected bob online, got %+v", ids[1])
	}
}
