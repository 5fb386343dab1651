package transport

import "errors"

// ErrNoEndpoint is returned when a batch targets an endpoint that is not
// configured.
var ErrNoEndpoint = errors.New("endpoint not configured")
