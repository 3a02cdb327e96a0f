package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Kafka writes every event to one topic, keyed by Event.Key.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func kafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "chatrelay"
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.DialTimeout = 3 * time.Second
	return cfg
}

// DialKafka connects a synchronous producer to a comma separated broker list.
func DialKafka(brokers, topic string) (*Kafka, error) {
	list := splitList(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers missing")
	}
	p, err := sarama.NewSyncProducer(list, kafkaConfig())
	if err != nil {
		return nil, errors.Wrap(err, "connect kafka")
	}
	return NewKafka(p, topic), nil
}

func NewKafka(p sarama.SyncProducer, topic string) *Kafka {
	if topic == "" {
		topic = "chatrelay.events"
	}
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}
	if key := ev.Key(); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	_, _, err = k.producer.SendMessage(msg)
	return errors.Wrapf(err, "send to %s", k.topic)
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
