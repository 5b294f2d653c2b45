// Package bus wraps the NATS connection used by the progress relay. Subjects
// are validated up front so a bad clientId surfaces as an error instead of a
// silently dropped publish.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// connName identifies this service in NATS server monitoring.
const connName = "mediaupload"

// ErrBadSubject is returned for empty or whitespace-bearing subjects.
var ErrBadSubject = errors.New("invalid subject")

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(connName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

func validateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	return nil
}
