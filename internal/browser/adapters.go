//go:build js && wasm

package browser

import (
	"log/slog"
	"strings"
	"syscall/js"
	"time"

	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/telemetry"
)

// passThrough builds the JS wrapper installed in place of a page function.
// The original runs first with the caller's this and arguments, and its
// return value or exception reaches the caller unchanged. observe then
// receives the same arguments; anything it throws is swallowed.
var passThrough = js.Global().Get("Function").New("original", "observe", `
return function () {
	const ret = original.apply(this, arguments);
	try { observe.apply(this, arguments); } catch (e) {}
	return ret;
};`)

// observeFetch builds the fetch wrapper. The caller gets a promise derived
// from the original that settles with the same value or reason, so an
// unhandled failure still raises unhandledrejection.
var observeFetch = js.Global().Get("Function").New("original", "started", "settled", `
return function () {
	let call;
	try { call = started.apply(this, arguments); } catch (e) {}
	const promise = original.apply(this, arguments);
	if (!promise || typeof promise.then !== "function") {
		return promise;
	}
	return promise.then(function (res) {
		try { settled(call, res, undefined); } catch (e) {}
		return res;
	}, function (err) {
		try { settled(call, undefined, err); } catch (e) {}
		throw err;
	});
};`)

// ConsoleAdapter wraps console.error, console.warn and console.log. The
// original method is called first and its return value preserved.
type ConsoleAdapter struct{}

func (ConsoleAdapter) Name() string { return "console" }

func (ConsoleAdapter) Install(h *instrument.Hooks) (func(), error) {
	console := js.Global().Get("console")
	if !console.Truthy() {
		return nil, instrument.ErrUnsupported
	}

	levels := map[string]slog.Level{
		"error": slog.LevelError,
		"warn":  slog.LevelWarn,
		"log":   slog.LevelInfo,
	}
	var undo []func()
	for method, level := range levels {
		original := console.Get(method)
		if original.Type() != js.TypeFunction {
			continue
		}
		level := level
		observe := js.FuncOf(func(this js.Value, args []js.Value) any {
			defer recoverCallback("console")
			h.OnLog(level, joinArgs(args), nil)
			return nil
		})
		console.Set(method, passThrough.Invoke(original, observe))

		method := method
		undo = append(undo, func() {
			console.Set(method, original)
			observe.Release()
		})
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}, nil
}

func joinArgs(args []js.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, errorMessage(a))
	}
	return strings.Join(parts, " ")
}

// FetchAdapter wraps window.fetch and reports each call when its promise
// settles.
type FetchAdapter struct{}

func (FetchAdapter) Name() string { return "fetch" }

func (FetchAdapter) Install(h *instrument.Hooks) (func(), error) {
	global := js.Global()
	original := global.Get("fetch")
	if original.Type() != js.TypeFunction {
		return nil, instrument.ErrUnsupported
	}

	started := js.FuncOf(func(this js.Value, args []js.Value) any {
		defer recoverCallback("fetch")
		url, method := requestTarget(args)
		return map[string]any{
			"url":    url,
			"method": method,
			"start":  float64(time.Now().UnixMilli()),
		}
	})
	settled := js.FuncOf(func(this js.Value, args []js.Value) any {
		defer recoverCallback("fetch")
		if len(args) < 3 || args[0].Type() != js.TypeObject {
			return nil
		}
		call, res, reason := args[0], args[1], args[2]
		start := time.UnixMilli(int64(call.Get("start").Float()))
		apiCall := telemetry.APICall{
			URL:       call.Get("url").String(),
			Method:    call.Get("method").String(),
			Duration:  time.Since(start),
			Timestamp: start,
		}
		if res.Type() == js.TypeObject {
			apiCall.Status = res.Get("status").Int()
			apiCall.Success = res.Get("ok").Bool()
		} else {
			apiCall.Error = errorMessage(reason)
		}
		h.OnNetworkCall(apiCall)
		return nil
	})
	global.Set("fetch", observeFetch.Invoke(original, started, settled))

	return func() {
		global.Set("fetch", original)
		started.Release()
		settled.Release()
	}, nil
}

// requestTarget reads the URL and method from fetch(input, init).
func requestTarget(args []js.Value) (url, method string) {
	method = "GET"
	if len(args) == 0 {
		return "", method
	}
	input := args[0]
	if input.Type() == js.TypeString {
		url = input.String()
	} else if input.Type() == js.TypeObject {
		url = stringOr(input.Get("url"), js.Global().Get("String").Invoke(input).String())
		method = stringOr(input.Get("method"), method)
	}
	if len(args) > 1 && args[1].Type() == js.TypeObject {
		method = stringOr(args[1].Get("method"), method)
	}
	return url, strings.ToUpper(method)
}

// ErrorAdapter listens for uncaught errors, unhandled rejections and
// failed resource loads. Resource errors do not bubble, so the listener
// runs in the capture phase.
type ErrorAdapter struct{}

func (ErrorAdapter) Name() string { return "errors" }

func (ErrorAdapter) Install(h *instrument.Hooks) (func(), error) {
	window := js.Global()
	if window.Get("addEventListener").Type() != js.TypeFunction {
		return nil, instrument.ErrUnsupported
	}

	removeError := listen(window, "error", true, func(ev js.Value) {
		target := ev.Get("target")
		if target.Truthy() && !target.Equal(window) && target.Get("tagName").Type() == js.TypeString {
			src := stringOr(target.Get("src"), stringOr(target.Get("href"), ""))
			h.OnResourceError(instrument.ResourceError{
				Tag: strings.ToLower(target.Get("tagName").String()),
				URL: src,
			})
			return
		}
		h.OnUncaughtError(instrument.ErrorInfo{
			Message: stringOr(ev.Get("message"), "Script error"),
			Source:  stringOr(ev.Get("filename"), ""),
			Line:    intOr(ev.Get("lineno")),
			Column:  intOr(ev.Get("colno")),
			Stack:   stackOf(ev.Get("error")),
		})
	})
	removeRejection := listen(window, "unhandledrejection", false, func(ev js.Value) {
		reason := ev.Get("reason")
		h.OnUnhandledRejection(instrument.ErrorInfo{
			Message: errorMessage(reason),
			Stack:   stackOf(reason),
		})
	})

	return func() {
		removeError()
		removeRejection()
	}, nil
}

// PerformanceAdapter observes long tasks, LCP, first input and layout
// shifts, and reports navigation timing once the page has loaded.
type PerformanceAdapter struct{}

func (PerformanceAdapter) Name() string { return "performance" }

var observedEntryTypes = []instrument.EntryType{
	instrument.EntryLongTask,
	instrument.EntryLCP,
	instrument.EntryFirstInput,
	instrument.EntryLayoutShift,
}

func (PerformanceAdapter) Install(h *instrument.Hooks) (func(), error) {
	global := js.Global()
	observerType := global.Get("PerformanceObserver")
	if observerType.Type() != js.TypeFunction {
		return nil, instrument.ErrUnsupported
	}
	supported := map[string]bool{}
	if types := observerType.Get("supportedEntryTypes"); types.Truthy() {
		for i := 0; i < types.Length(); i++ {
			supported[types.Index(i).String()] = true
		}
	}

	var undo []func()
	for _, entryType := range observedEntryTypes {
		if !supported[string(entryType)] {
			continue
		}
		entryType := entryType
		cb := js.FuncOf(func(this js.Value, args []js.Value) any {
			defer recoverCallback("performance observer")
			entries := args[0].Call("getEntries")
			for i := 0; i < entries.Length(); i++ {
				h.OnPerformanceEntry(toEntry(entryType, entries.Index(i)))
			}
			return nil
		})
		observer := observerType.New(cb)
		observer.Call("observe", map[string]any{"type": string(entryType), "buffered": true})
		undo = append(undo, func() {
			observer.Call("disconnect")
			cb.Release()
		})
	}

	undo = append(undo, reportNavigation(h))
	return func() {
		for _, fn := range undo {
			fn()
		}
	}, nil
}

func toEntry(t instrument.EntryType, e js.Value) instrument.PerformanceEntry {
	entry := instrument.PerformanceEntry{
		Type:      t,
		Name:      stringOr(e.Get("name"), ""),
		StartTime: millis(e.Get("startTime")),
		Duration:  millis(e.Get("duration")),
	}
	switch t {
	case instrument.EntryLCP:
		if rt := floatOr(e.Get("renderTime")); rt > 0 {
			entry.StartTime = millis(e.Get("renderTime"))
		}
	case instrument.EntryFirstInput:
		entry.ProcessingStart = millis(e.Get("processingStart"))
	case instrument.EntryLayoutShift:
		entry.Value = floatOr(e.Get("value"))
		entry.HadRecentInput = e.Get("hadRecentInput").Truthy()
	}
	return entry
}

// reportNavigation records navigation timing now if the page has loaded,
// otherwise on the load event.
func reportNavigation(h *instrument.Hooks) func() {
	global := js.Global()
	performance := global.Get("performance")
	if !performance.Truthy() || performance.Get("getEntriesByType").Type() != js.TypeFunction {
		return func() {}
	}

	report := func() {
		entries := performance.Call("getEntriesByType", "navigation")
		if entries.Length() == 0 {
			return
		}
		nav := entries.Index(0)
		span := func(from, to string) float64 {
			return floatOr(nav.Get(to)) - floatOr(nav.Get(from))
		}
		h.OnNavigation(telemetry.NavigationTiming{
			DNSMs:              span("domainLookupStart", "domainLookupEnd"),
			ConnectMs:          span("connectStart", "connectEnd"),
			TTFBMs:             span("requestStart", "responseStart"),
			DOMContentLoadedMs: span("startTime", "domContentLoadedEventEnd"),
			LoadMs:             span("startTime", "loadEventEnd"),
		})
	}

	if stringOr(global.Get("document").Get("readyState"), "") == "complete" {
		report()
		return func() {}
	}
	return listen(global, "load", false, func(js.Value) {
		// loadEventEnd is only set after the load handlers return.
		var deferred js.Func
		deferred = js.FuncOf(func(js.Value, []js.Value) any {
			defer deferred.Release()
			defer recoverCallback("navigation timing")
			report()
			return nil
		})
		global.Call("setTimeout", deferred, 0)
	})
}

// MemoryAdapter samples performance.memory, which only Chromium exposes.
type MemoryAdapter struct {
	Interval time.Duration
}

func (MemoryAdapter) Name() string { return "memory" }

func (a MemoryAdapter) Install(h *instrument.Hooks) (func(), error) {
	performance := js.Global().Get("performance")
	if !performance.Truthy() || !performance.Get("memory").Truthy() {
		return nil, instrument.ErrUnsupported
	}
	return instrument.MemorySampler{
		Interval: a.Interval,
		Read: func() telemetry.MemoryUsage {
			m := performance.Get("memory")
			return telemetry.MemoryUsage{
				Used:  uint64(floatOr(m.Get("usedJSHeapSize"))),
				Total: uint64(floatOr(m.Get("totalJSHeapSize"))),
				Limit: uint64(floatOr(m.Get("jsHeapSizeLimit"))),
			}
		},
	}.Install(h)
}

// ConnectivityAdapter reports offline transitions and slow connections.
type ConnectivityAdapter struct{}

func (ConnectivityAdapter) Name() string { return "connectivity" }

func (ConnectivityAdapter) Install(h *instrument.Hooks) (func(), error) {
	global := js.Global()
	navigator := global.Get("navigator")
	if !navigator.Truthy() || navigator.Get("onLine").Type() != js.TypeBoolean {
		return nil, instrument.ErrUnsupported
	}

	current := func() instrument.Connectivity {
		c := instrument.Connectivity{Online: navigator.Get("onLine").Bool()}
		if conn := navigator.Get("connection"); conn.Truthy() {
			c.EffectiveType = stringOr(conn.Get("effectiveType"), "")
		}
		return c
	}

	undo := []func(){
		listen(global, "offline", false, func(js.Value) { h.OnConnectivity(instrument.Connectivity{Online: false}) }),
		listen(global, "online", false, func(js.Value) { h.OnConnectivity(current()) }),
	}
	if conn := navigator.Get("connection"); conn.Truthy() && conn.Get("addEventListener").Type() == js.TypeFunction {
		undo = append(undo, listen(conn, "change", false, func(js.Value) { h.OnConnectivity(current()) }))
	}

	if c := current(); !c.Online || c.EffectiveType == "slow-2g" || c.EffectiveType == "2g" {
		h.OnConnectivity(c)
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}, nil
}
