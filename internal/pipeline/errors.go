package pipeline

import "errors"

// ErrDisposed is returned by Start after Dispose.
var ErrDisposed = errors.New("pipeline disposed")
