package instrument

import (
	"fmt"
	"runtime/debug"
)

// Guard runs fn and records a panic escaping it as an uncaught error before
// re-panicking with the same value.
func (h *Hooks) Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.OnUncaughtError(ErrorInfo{
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			})
			panic(r)
		}
	}()
	fn()
}

// Go runs fn on a new goroutine under Guard.
func (h *Hooks) Go(fn func()) {
	go h.Guard(fn)
}
