package instrument

import "errors"

// ErrUnsupported is returned by an adapter whose capability is missing
// from the host. Install skips such adapters silently.
var ErrUnsupported = errors.New("capability not supported by host")
