package breaker

import "errors"

// ErrOpen is returned by Execute/ExecuteWithFallback when the breaker
// denies the request and no fallback (or no successful fallback) is
// available.
var ErrOpen = errors.New("breaker: circuit open")
