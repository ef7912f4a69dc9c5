// Package bus publishes job lifecycle events over NATS.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/SirClappington/imagejobs/internal/domain"
)

// SubjectPrefix is the root of every event subject: <prefix>.<job type>.<kind>.
const SubjectPrefix = "imagejobs.events"

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("imagejobs"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func Subject(ev domain.Event) string {
	return SubjectPrefix + "." + string(ev.Type) + "." + string(ev.Kind)
}

// Publish sends the event without waiting for subscribers. It implements
// engine.Publisher.
func (c *Client) Publish(_ context.Context, ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return errors.Wrap(c.nc.Publish(Subject(ev), b), "publish event")
}

// Subscribe decodes events on subject (wildcards allowed) into handler.
func (c *Client) Subscribe(subject string, handler func(ctx context.Context, ev domain.Event)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, ev)
	})
}
