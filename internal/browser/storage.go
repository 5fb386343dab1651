//go:build js && wasm

package browser

import (
	"syscall/js"

	"github.com/pkg/errors"

	"github.com/nathannam/console-observability/internal/instrument"
)

// LocalStorage is a fallback.KV backed by window.localStorage.
type LocalStorage struct {
	store js.Value
}

// NewLocalStorage returns instrument.ErrUnsupported when localStorage is
// missing or blocked (private mode, sandboxed iframes).
func NewLocalStorage() (ls *LocalStorage, err error) {
	defer func() {
		if r := recover(); r != nil {
			ls, err = nil, errors.Wrapf(instrument.ErrUnsupported, "localStorage: %v", r)
		}
	}()
	store := js.Global().Get("localStorage")
	if !store.Truthy() {
		return nil, instrument.ErrUnsupported
	}
	return &LocalStorage{store: store}, nil
}

func (l *LocalStorage) Get(key string) (value []byte, ok bool, err error) {
	err = jsCall(func() {
		v := l.store.Call("getItem", key)
		if v.Type() == js.TypeString {
			value, ok = []byte(v.String()), true
		}
	})
	return value, ok, errors.Wrapf(err, "reading %s", key)
}

// Set fails with the browser's error when the quota is exceeded.
func (l *LocalStorage) Set(key string, value []byte) error {
	return errors.Wrapf(jsCall(func() { l.store.Call("setItem", key, string(value)) }), "writing %s", key)
}

func (l *LocalStorage) Delete(key string) error {
	return errors.Wrapf(jsCall(func() { l.store.Call("removeItem", key) }), "deleting %s", key)
}

// jsCall converts a thrown JS exception into an error.
func jsCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if jsErr, ok := r.(js.Error); ok {
				err = jsErr
				return
			}
			err = errors.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}
