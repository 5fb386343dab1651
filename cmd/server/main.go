package main

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nathannam/console-observability/internal/config"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// routes builds the development host's handler. Collector endpoints are
// mounted at the paths the console is configured to send to.
func routes(s *server, endpoints config.Endpoints) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/", otelhttp.NewHandler(http.HandlerFunc(s.serveIndex), "GET /"))

	healthPath, err := endpointPath(endpoints.HealthCheck)
	if err != nil {
		return nil, err
	}
	if healthPath != "" {
		mux.Handle(healthPath, otelhttp.NewHandler(s.corsMiddleware(http.HandlerFunc(s.healthCheckHandler)), "GET "+healthPath))
	}

	collectors := []struct {
		name   string
		path   string
		decode batchDecoder
	}{
		{"errors", endpoints.Errors, decodeErrors},
		{"metrics", endpoints.Metrics, decodeMetrics},
		{"analytics", endpoints.Analytics, decodeAnalytics},
		{"health", endpoints.HealthReport, decodeHealthReport},
	}
	for _, c := range collectors {
		path, err := endpointPath(c.path)
		if err != nil {
			return nil, err
		}
		if path == "" {
			continue
		}
		mux.Handle(path, otelhttp.NewHandler(s.corsMiddleware(s.collectorHandler(c.name, c.decode)), "POST "+path))
	}

	// Serve static files with CORS headers and instrumentation
	fileServer := http.FileServer(http.Dir(s.webDir))
	mux.Handle("/web/", otelhttp.NewHandler(s.corsMiddleware(http.StripPrefix("/web/", fileServer)), "GET /web/*"))
	return mux, nil
}

// endpointPath returns the path component of a configured endpoint.
func endpointPath(endpoint string) (string, error) {
	if endpoint == "" {
		return "", nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parsing endpoint %q", endpoint)
	}
	return u.Path, nil
}

// hostFlags are the development host's command-line settings.
type hostFlags struct {
	configPath string
	addr       string
	webDir     string
}

func parseFlags(args []string) (hostFlags, error) {
	var f hostFlags
	flagSet := pflag.NewFlagSet("console-server", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "path to a YAML configuration file")
	flagSet.StringVar(&f.addr, "addr", ":8080", "listen address")
	flagSet.StringVar(&f.webDir, "web", "web", "directory holding index.html and the wasm bundle")

	if err := flagSet.Parse(args); err != nil {
		return hostFlags{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return hostFlags{}, errors.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize OpenTelemetry
	cleanup := telemetry.SetupInstrumentation(cfg.ServiceName + "-server")
	defer cleanup()

	logger := telemetry.GetLogger()
	s, err := newServer(cfg.ServiceName, flags.webDir, logger, telemetry.GetTracer(), telemetry.GetMeter())
	if err != nil {
		log.Fatal("Failed to create metrics:", err)
	}

	handler, err := routes(s, cfg.Endpoints)
	if err != nil {
		log.Fatal("Failed to build routes:", err)
	}

	logger.Info("Console development host starting",
		"addr", flags.addr,
		"web_dir", flags.webDir,
		"errors", cfg.Endpoints.Errors,
		"metrics", cfg.Endpoints.Metrics,
		"analytics", cfg.Endpoints.Analytics,
		"health_check", cfg.Endpoints.HealthCheck)
	fmt.Printf("📡 Console development host listening on %s\n", flags.addr)

	log.Fatal(http.ListenAndServe(flags.addr, handler))
}
