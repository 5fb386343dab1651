package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nathannam/console-observability/internal/fallback"
	"github.com/nathannam/console-observability/internal/telemetry"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPrint_RoundTrips(t *testing.T) {
	out, err := run(t, "config", "print")
	if err != nil {
		t.Fatalf("config print: %v", err)
	}
	if !strings.Contains(out, "base_url: http://localhost:8080") {
		t.Errorf("expected the default base url, got:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "console.yaml")
	edited := strings.Replace(out, "environment: development", "environment: staging", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	again, err := run(t, "--config", path, "config", "print")
	if err != nil {
		t.Fatalf("config print --config: %v", err)
	}
	if again != edited {
		t.Errorf("expected the printed file to load unchanged\nwant:\n%s\ngot:\n%s", edited, again)
	}
}

func TestProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	out, err := run(t, "probe", "--url", srv.URL+"/health")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out, "healthy") || !strings.Contains(out, "status=200") {
		t.Errorf("unexpected output %q", out)
	}

	status = http.StatusServiceUnavailable
	out, err = run(t, "probe", "--url", srv.URL+"/health", "--json")
	if err == nil {
		t.Fatal("expected an unhealthy endpoint to fail the command")
	}
	if !strings.Contains(out, `"status": "unhealthy"`) || !strings.Contains(out, `"statusCode": 503`) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestFallbackListAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	kv, err := fallback.NewFileKV(path)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	cache := fallback.NewCache(kv, 10, nil)
	if err := cache.Append(telemetry.MetricEvent{
		ID:        "evt-1",
		Category:  telemetry.CategoryAuthError,
		Severity:  telemetry.SeverityHigh,
		Message:   "token expired",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out, err := run(t, "fallback", "list", "--path", path)
	if err != nil {
		t.Fatalf("fallback list: %v", err)
	}
	for _, want := range []string{"2024-03-01T12:00:00Z", "high", "auth-error", "token expired"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := run(t, "fallback", "clear", "--path", path); err != nil {
		t.Fatalf("fallback clear: %v", err)
	}
	out, err = run(t, "fallback", "list", "--path", path)
	if err != nil {
		t.Fatalf("fallback list: %v", err)
	}
	if !strings.Contains(out, "No cached records.") {
		t.Errorf("expected an empty cache, got:\n%s", out)
	}
}

func TestFallbackList_RequiresPath(t *testing.T) {
	if _, err := run(t, "fallback", "list"); err == nil || !strings.Contains(err.Error(), "no fallback file configured") {
		t.Errorf("expected a missing path error, got %v", err)
	}
}
