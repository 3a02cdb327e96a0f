package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestNATSSubject(t *testing.T) {
	n := &NATS{prefix: "relay"}
	if s := n.Subject(MessageEdited); s != "relay.message.edited" {
		t.Errorf("Unexpected subject %s", s)
	}
}

// Set RELAY_TEST_NATS_URL to a running server to run this.
func TestNATSPublish(t *testing.T) {
	url := os.Getenv("RELAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_NATS_URL not set")
	}
	pub, err := DialNATS(url, "relaytest")
	if err != nil {
		t.Fatalf("DialNATS failed: %v", err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("relaytest.>")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	nc.Flush()

	if err := pub.Publish(context.Background(), Event{Kind: SessionOpened, ActorID: "u1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	msg, err := sub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if msg.Subject != "relaytest.session.opened" || msg.Header.Get("Kind") != "session.opened" {
		t.Errorf("Unexpected message %s %v", msg.Subject, msg.Header)
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ActorID != "u1" {
		t.Errorf("Unexpected payload %s (%v)", msg.Data, err)
	}
}
