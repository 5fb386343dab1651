package fallback

import "errors"

// ErrLocked is returned when the store lock could not be acquired in time.
var ErrLocked = errors.New("fallback store is locked by another process")
