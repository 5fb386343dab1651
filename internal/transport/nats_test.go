package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type fakePublisher struct {
	msgs        []*nats.Msg
	publishErr  error
	hadDeadline bool
	drained     bool
}

func (f *fakePublisher) PublishMsg(msg *nats.Msg) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) FlushWithContext(ctx context.Context) error {
	_, f.hadDeadline = ctx.Deadline()
	return nil
}

func (f *fakePublisher) Drain() error {
	f.drained = true
	return nil
}

func TestNATSSender_PublishesToEndpointSubject(t *testing.T) {
	pub := &fakePublisher{}
	sender := newNATSSender(pub, "console.telemetry", "session_xyz", time.Second)

	if err := sender.Send(context.Background(), Metrics, map[string]int{"total": 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "console.telemetry.metrics" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if msg.Header.Get(SessionHeader) != "session_xyz" {
		t.Errorf("expected session header, got %q", msg.Header.Get(SessionHeader))
	}
	var body map[string]int
	if err := json.Unmarshal(msg.Data, &body); err != nil || body["total"] != 3 {
		t.Errorf("unexpected body %s (%v)", msg.Data, err)
	}
	if !pub.hadDeadline {
		t.Error("flush must run with a deadline")
	}

	if err := sender.Close(); err != nil || !pub.drained {
		t.Errorf("expected Close to drain the connection, err=%v", err)
	}
}

func TestNATSSender_Subject(t *testing.T) {
	tests := []struct {
		prefix   string
		endpoint Endpoint
		want     string
	}{
		{"console.telemetry", Errors, "console.telemetry.errors"},
		{"acme", Health, "acme.health"},
		{"", Analytics, "analytics"},
	}
	for _, tt := range tests {
		sender := newNATSSender(&fakePublisher{}, tt.prefix, "s", 0)
		if got := sender.Subject(tt.endpoint); got != tt.want {
			t.Errorf("Subject(%q, %s) = %q, want %q", tt.prefix, tt.endpoint, got, tt.want)
		}
	}
}

func TestNATSSender_PublishError(t *testing.T) {
	cause := errors.New("nats: connection closed")
	sender := newNATSSender(&fakePublisher{publishErr: cause}, "p", "s", time.Second)

	err := sender.Send(context.Background(), Errors, struct{}{})
	if errors.Cause(err) != cause {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}
