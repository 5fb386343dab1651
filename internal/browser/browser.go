//go:build js && wasm

// Package browser connects the instrumentation hooks to the capabilities of
// the page the console runs in: console, fetch, error events, performance
// observers, memory, connectivity, localStorage and user interactions.
//
// Every adapter feature-detects its capability and returns
// instrument.ErrUnsupported when the page lacks it.
package browser

import (
	"log/slog"
	"strings"
	"syscall/js"
	"time"

	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// originalConsole is captured before any adapter patches the console so
// the pipeline's own output never re-enters the hooks.
var originalConsole = js.Global().Get("console")

// ConsoleWriter writes log lines through the unpatched console.log.
type ConsoleWriter struct{}

func (ConsoleWriter) Write(p []byte) (int, error) {
	if originalConsole.Truthy() {
		originalConsole.Call("log", strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// NewLogger returns a text logger writing through ConsoleWriter.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(ConsoleWriter{}, &slog.HandlerOptions{Level: level}))
}

// Adapters returns every browser capability adapter. interval is the
// memory sampling cadence.
func Adapters(memoryInterval time.Duration) []instrument.Adapter {
	return []instrument.Adapter{
		ConsoleAdapter{},
		FetchAdapter{},
		ErrorAdapter{},
		PerformanceAdapter{},
		MemoryAdapter{Interval: memoryInterval},
		ConnectivityAdapter{},
		&InteractionHandler{},
	}
}

// Page reads the current location and user agent.
type Page struct{}

func (Page) URL() string {
	return js.Global().Get("location").Get("href").String()
}

func (Page) UserAgent() string {
	nav := js.Global().Get("navigator")
	if !nav.Truthy() {
		return ""
	}
	return nav.Get("userAgent").String()
}

// UserProperties resolves locale, platform, screen, viewport and timezone
// from the page.
func UserProperties() telemetry.UserProperties {
	global := js.Global()
	props := telemetry.UserProperties{UserAgent: Page{}.UserAgent()}

	if nav := global.Get("navigator"); nav.Truthy() {
		props.Locale = stringOr(nav.Get("language"), "en-US")
		props.Platform = stringOr(nav.Get("platform"), "")
	}
	if screen := global.Get("screen"); screen.Truthy() {
		props.ScreenWidth = screen.Get("width").Int()
		props.ScreenHeight = screen.Get("height").Int()
	}
	props.ViewportWidth = intOr(global.Get("innerWidth"))
	props.ViewportHeight = intOr(global.Get("innerHeight"))

	if intl := global.Get("Intl"); intl.Truthy() {
		resolved := intl.Get("DateTimeFormat").New().Call("resolvedOptions")
		props.Timezone = stringOr(resolved.Get("timeZone"), "")
	}
	return props
}

func stringOr(v js.Value, fallback string) string {
	if v.Type() != js.TypeString {
		return fallback
	}
	return v.String()
}

func intOr(v js.Value) int {
	if v.Type() != js.TypeNumber {
		return 0
	}
	return v.Int()
}

func floatOr(v js.Value) float64 {
	if v.Type() != js.TypeNumber {
		return 0
	}
	return v.Float()
}

// millis converts a DOMHighResTimeStamp to a duration.
func millis(v js.Value) time.Duration {
	return time.Duration(floatOr(v) * float64(time.Millisecond))
}

// listen adds an event listener and returns a func removing it.
func listen(target js.Value, event string, capture bool, fn func(js.Value)) func() {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		defer recoverCallback(event)
		ev := js.Undefined()
		if len(args) > 0 {
			ev = args[0]
		}
		fn(ev)
		return nil
	})
	target.Call("addEventListener", event, cb, capture)
	return func() {
		target.Call("removeEventListener", event, cb, capture)
		cb.Release()
	}
}

// recoverCallback keeps a panic in a JS callback from terminating the Go
// program.
func recoverCallback(name string) {
	if r := recover(); r != nil {
		telemetry.GetLogger().Warn("Browser callback failure contained", "callback", name, "panic", r)
	}
}

// describe renders an element as tag#id.class for interaction targets.
func describe(el js.Value) string {
	if !el.Truthy() || el.Get("tagName").Type() != js.TypeString {
		return ""
	}
	desc := strings.ToLower(el.Get("tagName").String())
	if id := stringOr(el.Get("id"), ""); id != "" {
		desc += "#" + id
	}
	if class := stringOr(el.Get("className"), ""); class != "" {
		desc += "." + strings.Join(strings.Fields(class), ".")
	}
	return desc
}

// errorMessage extracts a message from an Error, a string or any other
// thrown value.
func errorMessage(v js.Value) string {
	switch {
	case v.Type() == js.TypeString:
		return v.String()
	case v.Type() == js.TypeObject && v.Get("message").Type() == js.TypeString:
		return v.Get("message").String()
	case v.IsUndefined() || v.IsNull():
		return "unknown"
	default:
		return js.Global().Get("String").Invoke(v).String()
	}
}

func stackOf(v js.Value) string {
	if v.Type() != js.TypeObject {
		return ""
	}
	return stringOr(v.Get("stack"), "")
}
