package auth

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"chatrelay/models"
)

func TestIssueVerify(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	token, exp, err := Issue(opts, models.Identity{ID: "id-1", Username: "alice"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(exp) < 23*time.Hour {
		t.Errorf("Expected ~24h expiry, got %v", exp)
	}

	id, name, err := Verify(opts, token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id != "id-1" || name != "alice" {
		t.Errorf("Expected id-1/alice, got %s/%s", id, name)
	}
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	token, _, err := Issue(opts, models.Identity{ID: "id-1", Username: "alice"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	other := DefaultOptions([]byte("other-secret"))
	if _, _, err := Verify(other, token); !errors.Is(err, models.ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure for wrong secret, got %v", err)
	}
	if _, _, err := Verify(opts, "garbage"); !errors.Is(err, models.ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure for garbage, got %v", err)
	}

	expired := opts
	expired.TTL = time.Nanosecond
	token, _, err = Issue(expired, models.Identity{ID: "id-1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, _, err := Verify(opts, token); !errors.Is(err, models.ErrAuthFailure) {
		t.Errorf("Expected ErrAuthFailure for expired token, got %v", err)
	}
}
