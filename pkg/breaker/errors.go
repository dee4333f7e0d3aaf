package breaker

import "errors"

// ErrOpen is returned without calling the protected function while the breaker is open
// or while a half-open trial is already in flight.
var ErrOpen = errors.New("circuit breaker is open")
