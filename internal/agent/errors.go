package agent

import "errors"

// ErrModelUnavailable is returned when the provider failed and all
// retries are exhausted. Surfaced to the client as a turn-scoped
// error; the session survives.
var ErrModelUnavailable = errors.New("model unavailable")
