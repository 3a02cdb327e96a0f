package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATS publishes each event on <prefix>.<kind>, e.g. chatrelay.message.posted.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to a comma separated server list.
func DialNATS(servers, prefix string) (*NATS, error) {
	if strings.TrimSpace(servers) == "" {
		return nil, errors.New("nats servers missing")
	}
	if prefix == "" {
		prefix = "chatrelay"
	}
	nc, err := nats.Connect(servers,
		nats.Name("chatrelay"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

func (n *NATS) Subject(k Kind) string {
	return n.prefix + "." + string(k)
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.Subject(ev.Kind))
	msg.Data = data
	msg.Header.Set("Kind", string(ev.Kind))
	return n.nc.PublishMsg(msg)
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
