package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nathannam/console-observability/internal/config"
)

// HTTPSender POSTs JSON documents to the collector endpoints.
type HTTPSender struct {
	client    *http.Client
	urls      map[Endpoint]string
	sessionID string
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) { s.client = c }
}

// NewHTTPSender resolves every configured endpoint against
// endpoints.BaseURL.
func NewHTTPSender(endpoints config.Endpoints, sessionID string, timeout time.Duration, opts ...HTTPOption) (*HTTPSender, error) {
	urls, err := resolveEndpoints(endpoints)
	if err != nil {
		return nil, err
	}
	s := &HTTPSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		urls:      urls,
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func resolveEndpoints(endpoints config.Endpoints) (map[Endpoint]string, error) {
	raw := map[Endpoint]string{
		Errors:    endpoints.Errors,
		Metrics:   endpoints.Metrics,
		Analytics: endpoints.Analytics,
		Health:    endpoints.HealthReport,
	}
	urls := make(map[Endpoint]string, len(raw))
	for endpoint, path := range raw {
		resolved, err := endpoints.Resolve(path)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s endpoint", endpoint)
		}
		if resolved != "" {
			urls[endpoint] = resolved
		}
	}
	return urls, nil
}

// URL returns the resolved URL for endpoint, or "" when it is not
// configured.
func (s *HTTPSender) URL(endpoint Endpoint) string {
	return s.urls[endpoint]
}

// Send POSTs payload as JSON. Non-2xx responses are returned as
// *StatusError.
func (s *HTTPSender) Send(ctx context.Context, endpoint Endpoint, payload any) error {
	target, ok := s.urls[endpoint]
	if !ok {
		return errors.Wrapf(ErrNoEndpoint, "sending to %s", endpoint)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s payload", endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "building %s request", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, s.sessionID)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting to %s", target)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, URL: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
