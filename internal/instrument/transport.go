package instrument

import (
	"net/http"
	"time"

	"github.com/nathannam/console-observability/internal/clock"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// Transport is an http.RoundTripper that reports every call to the hooks
// and returns exactly the response and error of the wrapped transport.
type Transport struct {
	Base  http.RoundTripper
	Hooks *Hooks
	Clock clock.Clock
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper, h *Hooks) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Hooks: h, Clock: clock.Real()}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.Clock.Now()
	resp, err := t.Base.RoundTrip(req)
	elapsed := t.Clock.Now().Sub(start)

	t.report(req, resp, err, start, elapsed)
	return resp, err
}

func (t *Transport) report(req *http.Request, resp *http.Response, err error, start time.Time, elapsed time.Duration) {
	defer t.Hooks.contain("report network call")

	call := telemetry.APICall{
		URL:       req.URL.String(),
		Method:    req.Method,
		Duration:  elapsed,
		Timestamp: start,
	}
	if resp != nil {
		call.Status = resp.StatusCode
	}
	if err != nil {
		call.Error = err.Error()
	}
	call.Success = err == nil && call.Status >= 200 && call.Status <= 299
	t.Hooks.OnNetworkCall(call)
}

// ClientAdapter instruments an *http.Client by wrapping its transport.
// Uninstall restores the original transport.
type ClientAdapter struct {
	Client *http.Client
}

func (ClientAdapter) Name() string { return "http-client" }

func (a ClientAdapter) Install(h *Hooks) (func(), error) {
	if a.Client == nil {
		return nil, ErrUnsupported
	}
	original := a.Client.Transport
	a.Client.Transport = NewTransport(original, h)
	return func() { a.Client.Transport = original }, nil
}
