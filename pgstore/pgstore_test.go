package pgstore

import (
	"context"
	"os"
	"testing"

	"chatrelay/store/storetest"
)

// Set RELAY_TEST_DATABASE_URL to a disposable database to run these.
func openTestStore(t *testing.T) *Store {
	url := os.Getenv("RELAY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMessageStore(t *testing.T) {
	storetest.MessageStore(t, openTestStore(t))
}

func TestCredentialStore(t *testing.T) {
	storetest.CredentialStore(t, openTestStore(t))
}
