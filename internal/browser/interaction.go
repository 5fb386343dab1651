//go:build js && wasm

package browser

import (
	"fmt"
	"math"
	"sync"
	"syscall/js"
	"time"

	"github.com/nathannam/console-observability/internal/instrument"
	"github.com/nathannam/console-observability/internal/telemetry"
)

const (
	swipeDistance  = 30.0
	tapDistance    = 10.0
	summaryEvery   = 50
	summaryMinimum = 5 * time.Second
)

// InteractionHandler counts clicks, key presses, taps and swipes on the
// document and reports each one to the hooks.
type InteractionHandler struct {
	mu                       sync.Mutex
	touchStartX, touchStartY float64

	clickCount    int64
	keyPressCount int64
	tapCount      int64
	swipeCount    int64
	lastSummary   time.Time
}

func (*InteractionHandler) Name() string { return "interactions" }

// Install registers the document listeners.
func (ih *InteractionHandler) Install(h *instrument.Hooks) (func(), error) {
	document := js.Global().Get("document")
	if !document.Truthy() {
		return nil, instrument.ErrUnsupported
	}
	ih.lastSummary = time.Now()

	undo := []func(){
		listen(document, "click", true, func(ev js.Value) {
			ih.count(&ih.clickCount)
			h.OnInteraction("click", describe(ev.Get("target")))
		}),
		listen(document, "keydown", true, func(ev js.Value) {
			ih.count(&ih.keyPressCount)
			// Only named keys are reported; typed characters stay private.
			key := stringOr(ev.Get("key"), "")
			if len([]rune(key)) == 1 {
				key = "character"
			}
			h.OnInteraction("keydown", key)
		}),
		listen(document, "touchstart", true, func(ev js.Value) {
			touches := ev.Get("touches")
			if touches.Length() == 0 {
				return
			}
			ih.mu.Lock()
			ih.touchStartX = floatOr(touches.Index(0).Get("clientX"))
			ih.touchStartY = floatOr(touches.Index(0).Get("clientY"))
			ih.mu.Unlock()
		}),
		listen(document, "touchend", true, func(ev js.Value) {
			changed := ev.Get("changedTouches")
			if changed.Length() == 0 {
				return
			}
			touch := changed.Index(0)
			ih.mu.Lock()
			deltaX := floatOr(touch.Get("clientX")) - ih.touchStartX
			deltaY := floatOr(touch.Get("clientY")) - ih.touchStartY
			ih.mu.Unlock()

			if kind := gesture(deltaX, deltaY); kind != "" {
				if kind == "tap" {
					ih.count(&ih.tapCount)
				} else {
					ih.count(&ih.swipeCount)
				}
				h.OnInteraction(kind, describe(ev.Get("target")))
			}
		}),
	}

	return func() {
		for _, fn := range undo {
			fn()
		}
		ih.logSummary()
	}, nil
}

// gesture classifies a touch by its displacement: "swipe-<direction>" when
// it moved far enough along its dominant axis, "tap" when it barely moved.
func gesture(deltaX, deltaY float64) string {
	if math.Abs(deltaX) > math.Abs(deltaY) {
		if math.Abs(deltaX) > swipeDistance {
			if deltaX > 0 {
				return "swipe-right"
			}
			return "swipe-left"
		}
	} else if math.Abs(deltaY) > swipeDistance {
		if deltaY > 0 {
			return "swipe-down"
		}
		return "swipe-up"
	}
	if math.Abs(deltaX) < tapDistance && math.Abs(deltaY) < tapDistance {
		return "tap"
	}
	return ""
}

func (ih *InteractionHandler) count(counter *int64) {
	ih.mu.Lock()
	*counter++
	total := ih.clickCount + ih.keyPressCount + ih.tapCount + ih.swipeCount
	due := total%summaryEvery == 0 && time.Since(ih.lastSummary) >= summaryMinimum
	ih.mu.Unlock()

	if due {
		ih.logSummary()
	}
}

// logSummary logs the interaction counts.
func (ih *InteractionHandler) logSummary() {
	ih.mu.Lock()
	summary := fmt.Sprintf("clicks=%d keys=%d taps=%d swipes=%d",
		ih.clickCount, ih.keyPressCount, ih.tapCount, ih.swipeCount)
	ih.lastSummary = time.Now()
	ih.mu.Unlock()

	telemetry.GetLogger().Debug("Interaction summary", "counts", summary)
}
