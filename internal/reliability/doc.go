// Package reliability provides retry with backoff for operations outside
// the message path, such as waiting for the broker at startup.
//
// Publishing and settlement never retry through this package; their
// failures are returned or handled by redelivery.
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 15*time.Second, 2.0, 10)
//	err := Retry(ctx, policy, func() error {
//	    return connect()
//	})
package reliability
