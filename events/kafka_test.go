package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/pkg/errors"
)

// TestKafkaPublish tests that events are written as JSON values
func TestKafkaPublish(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Kind != MessagePosted || ev.ActorID != "u1" || ev.MessageID != "m1" {
			return errors.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	k := NewKafka(p, "")
	if k.topic != "chatrelay.events" {
		t.Errorf("Expected default topic, got %s", k.topic)
	}
	if err := k.Publish(context.Background(), Event{Kind: MessagePosted, ActorID: "u1", MessageID: "m1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

// TestKafkaPublishError tests that broker errors reach the caller
func TestKafkaPublishError(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafka(p, "relay")
	err := k.Publish(context.Background(), Event{Kind: ChatCleared})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
	k.Close()
}

func TestDialKafkaNeedsBrokers(t *testing.T) {
	if _, err := DialKafka(" , ", "x"); err == nil {
		t.Error("Expected error for empty broker list")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList("a:9092, b:9092,,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("Unexpected split %v", got)
	}
}
