// Package breaker implements a circuit breaker that fails fast while a dependency
// is degraded instead of letting callers queue up behind it.
//
// The breaker moves between three states:
//
//   - Closed: calls pass through. Failures are recorded as timestamps in a sliding
//     window of MonitoringPeriod; a success clears the window. Once FailureThreshold
//     failures are inside the window the breaker opens.
//   - Open: every call returns ErrOpen without touching the dependency until
//     ResetTimeout has elapsed since the breaker opened.
//   - HalfOpen: exactly one trial call is admitted. Success closes the breaker,
//     failure opens it again. Concurrent calls during the trial get ErrOpen.
//
// # Usage
//
//	cb := breaker.New(
//		breaker.WithName("redis"),
//		breaker.WithFailureThreshold(5),
//		breaker.WithMonitoringPeriod(time.Minute),
//		breaker.WithResetTimeout(30*time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return client.Ping(ctx).Err()
//	})
//	if errors.Is(err, breaker.ErrOpen) {
//		// back off
//	}
//
// Not every error means the dependency is unhealthy. WithFailurePredicate decides
// which errors count; by default context cancellation does not.
package breaker
