//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"syscall/js"

	"gopkg.in/yaml.v3"

	"github.com/nathannam/console-observability/internal/browser"
	"github.com/nathannam/console-observability/internal/config"
	"github.com/nathannam/console-observability/internal/fallback"
	"github.com/nathannam/console-observability/internal/pipeline"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// configGlobal names the optional page-provided configuration object.
const configGlobal = "consoleObservabilityConfig"

// apiGlobal names the object exposed to the page.
const apiGlobal = "consoleObservability"

// getCurrentServerURL gets the current server URL from the browser.
func getCurrentServerURL() string {
	location := js.Global().Get("location")
	protocol := location.Get("protocol").String()
	hostname := location.Get("hostname").String()
	port := location.Get("port").String()

	if port != "" && port != "80" && port != "443" {
		return protocol + "//" + hostname + ":" + port
	}
	return protocol + "//" + hostname
}

// loadConfig starts from the defaults, points the collector at the serving
// origin and overlays window.consoleObservabilityConfig when present.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	cfg.Endpoints.BaseURL = getCurrentServerURL()

	overrides := js.Global().Get(configGlobal)
	if overrides.Truthy() {
		raw := js.Global().Get("JSON").Call("stringify", overrides).String()
		if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func main() {
	logger := browser.NewLogger(slog.LevelInfo)
	telemetry.SetLogger(logger)

	println("📡 Console observability WASM starting...")

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Invalid observability configuration", "error", err)
		return
	}

	var kv fallback.KV = fallback.NewMemoryKV()
	if storage, err := browser.NewLocalStorage(); err == nil {
		kv = storage
	} else {
		logger.Warn("localStorage unavailable, fallback records kept in memory", "error", err)
	}

	p, err := pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithPage(browser.Page{}),
		pipeline.WithUserProperties(browser.UserProperties()),
		pipeline.WithFallbackStore(kv),
		pipeline.WithAdapters(browser.Adapters(cfg.Intervals.MemorySample)...),
	)
	if err != nil {
		logger.Error("Failed to build observability pipeline", "error", err)
		return
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		logger.Error("Failed to start observability pipeline", "error", err)
		return
	}

	// JS callbacks must not block: anything that sends runs on its own
	// goroutine.
	dispose := js.FuncOf(func(js.Value, []js.Value) any {
		go func() {
			if err := p.Dispose(ctx); err != nil {
				logger.Warn("Dispose finished with errors", "error", err)
			}
		}()
		return nil
	})
	window := js.Global()
	window.Call("addEventListener", "pagehide", dispose)
	window.Call("addEventListener", "beforeunload", dispose)

	window.Set(apiGlobal, exposeAPI(p, logger))

	println("✅ Console observability ready, session", p.Session().ID)

	// Keep the program running so callbacks stay valid.
	done := make(chan bool)
	<-done
}

// exposeAPI builds the page-facing object. Getters return JSON strings.
func exposeAPI(p *pipeline.Pipeline, logger *slog.Logger) js.Value {
	asJSON := func(v any) any {
		raw, err := json.Marshal(v)
		if err != nil {
			logger.Warn("Failed to encode value for the page", "error", err)
			return js.Null()
		}
		return string(raw)
	}

	api := js.Global().Get("Object").New()
	api.Set("getMetrics", js.FuncOf(func(js.Value, []js.Value) any {
		return asJSON(p.GetMetrics())
	}))
	api.Set("getHealthData", js.FuncOf(func(js.Value, []js.Value) any {
		return asJSON(p.GetHealthData())
	}))
	api.Set("getStats", js.FuncOf(func(js.Value, []js.Value) any {
		return asJSON(p.GetStats())
	}))
	api.Set("flush", js.FuncOf(func(js.Value, []js.Value) any {
		go func() {
			if err := p.Flush(context.Background()); err != nil {
				logger.Warn("Manual flush failed", "error", err)
			}
		}()
		return nil
	}))
	api.Set("trackEvent", js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) == 0 {
			return nil
		}
		var props map[string]any
		if len(args) > 1 && args[1].Truthy() {
			raw := js.Global().Get("JSON").Call("stringify", args[1]).String()
			if err := json.Unmarshal([]byte(raw), &props); err != nil {
				logger.Warn("Ignoring event properties", "event", args[0].String(), "error", err)
			}
		}
		p.Analytics().TrackEvent(args[0].String(), props)
		return nil
	}))
	api.Set("trackError", js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) < 2 {
			return nil
		}
		p.Events().TrackError(telemetry.Category(args[0].String()), telemetry.EventData{
			Message: args[1].String(),
		})
		return nil
	}))
	return api
}
