package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/config"
)

func testEndpoints(base string) config.Endpoints {
	endpoints := config.Default().Endpoints
	endpoints.BaseURL = base
	return endpoints
}

func TestHTTPSender_PostsJSONWithSessionHeader(t *testing.T) {
	var (
		gotPath    string
		gotSession string
		gotType    string
		gotBody    map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSession = r.Header.Get(SessionHeader)
		gotType = r.Header.Get("Content-Type")
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender, err := NewHTTPSender(testEndpoints(server.URL), "session_abc", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	defer sender.Close()

	err = sender.Send(context.Background(), Errors, map[string]any{"sessionId": "session_abc", "errors": []string{}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/api/monitoring/errors" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotSession != "session_abc" {
		t.Errorf("expected session header, got %q", gotSession)
	}
	if gotType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotType)
	}
	if gotBody["sessionId"] != "session_abc" {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestHTTPSender_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender, err := NewHTTPSender(testEndpoints(server.URL), "s", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}

	err = sender.Send(context.Background(), Analytics, map[string]any{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Endpoint != Analytics {
		t.Errorf("unexpected status error %+v", statusErr)
	}
}

func TestHTTPSender_UnconfiguredEndpoint(t *testing.T) {
	endpoints := testEndpoints("http://collector.invalid")
	endpoints.HealthReport = ""

	sender, err := NewHTTPSender(endpoints, "s", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	if sender.URL(Health) != "" {
		t.Errorf("expected no health url, got %q", sender.URL(Health))
	}
	if err := sender.Send(context.Background(), Health, struct{}{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestHTTPSender_ResolvesEndpoints(t *testing.T) {
	endpoints := testEndpoints("https://console.example.com/app/")
	endpoints.Metrics = "https://metrics.example.com/ingest"

	sender, err := NewHTTPSender(endpoints, "s", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}

	tests := []struct {
		endpoint Endpoint
		want     string
	}{
		{Errors, "https://console.example.com/api/monitoring/errors"},
		{Metrics, "https://metrics.example.com/ingest"},
		{Analytics, "https://console.example.com/api/analytics/events"},
	}
	for _, tt := range tests {
		if got := sender.URL(tt.endpoint); got != tt.want {
			t.Errorf("URL(%s) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestHTTPSender_UnencodablePayload(t *testing.T) {
	sender, err := NewHTTPSender(testEndpoints("http://collector.invalid"), "s", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	if err := sender.Send(context.Background(), Errors, make(chan int)); err == nil {
		t.Error("expected an encoding error")
	}
}

func TestNew_SelectsTransport(t *testing.T) {
	cfg := config.Default()
	sender, err := New(cfg, "s")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := sender.(*HTTPSender); !ok {
		t.Errorf("expected *HTTPSender, got %T", sender)
	}

	cfg.Transport.Kind = "carrier-pigeon"
	if _, err := New(cfg, "s"); err == nil {
		t.Error("expected an error for an unknown transport")
	}
}
