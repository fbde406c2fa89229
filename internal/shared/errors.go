package shared

import "errors"

// ErrActorMissing occurs when a request carries no actor identity.
var ErrActorMissing = errors.New("actor identity missing")
