package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// publisher is the subset of *nats.Conn the sender needs.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSender publishes each document to "<prefix>.<endpoint>".
type NATSSender struct {
	conn      publisher
	prefix    string
	sessionID string
	timeout   time.Duration
}

// DialNATS connects to url and returns a sender publishing under prefix.
func DialNATS(url, prefix, sessionID string, timeout time.Duration) (*NATSSender, error) {
	conn, err := nats.Connect(url,
		nats.Name("console-observability"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return newNATSSender(conn, prefix, sessionID, timeout), nil
}

func newNATSSender(conn publisher, prefix, sessionID string, timeout time.Duration) *NATSSender {
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	return &NATSSender{conn: conn, prefix: prefix, sessionID: sessionID, timeout: timeout}
}

// Subject returns the subject batches for endpoint are published on.
func (s *NATSSender) Subject(endpoint Endpoint) string {
	if s.prefix == "" {
		return string(endpoint)
	}
	return s.prefix + "." + string(endpoint)
}

// Send publishes payload as JSON and waits for the server to acknowledge
// the flush. A ctx without a deadline is bounded by the dial timeout.
func (s *NATSSender) Send(ctx context.Context, endpoint Endpoint, payload any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s payload", endpoint)
	}

	msg := nats.NewMsg(s.Subject(endpoint))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(SessionHeader, s.sessionID)

	if err := s.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publishing to %s", msg.Subject)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return errors.Wrapf(err, "flushing %s", msg.Subject)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSender) Close() error {
	return s.conn.Drain()
}
