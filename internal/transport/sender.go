// Package transport delivers telemetry batches to the collector, over HTTP
// or NATS.
package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/config"
)

// Endpoint names a collector destination.
type Endpoint string

const (
	Errors    Endpoint = "errors"
	Metrics   Endpoint = "metrics"
	Analytics Endpoint = "analytics"
	Health    Endpoint = "health"
)

// SessionHeader carries the session id on every request.
const SessionHeader = "X-Session-ID"

// Sender delivers one JSON document to an endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint Endpoint, payload any) error
	Close() error
}

// StatusError reports a non-2xx collector response.
type StatusError struct {
	Endpoint   Endpoint
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s endpoint %s responded with status %d", e.Endpoint, e.URL, e.StatusCode)
}

// New builds the Sender selected by cfg.Transport.Kind.
func New(cfg *config.Config, sessionID string) (Sender, error) {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		return DialNATS(cfg.Transport.NATSURL, cfg.Transport.SubjectPrefix, sessionID, cfg.Transport.Timeout)
	case config.TransportHTTP, "":
		return NewHTTPSender(cfg.Endpoints, sessionID, cfg.Transport.Timeout)
	default:
		return nil, errors.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
