// Package reliability provides the circuit breaker that guards listener
// client polls and the retry policies used by the transports.
//
//	breaker := reliability.NewCircuitBreaker(
//	    reliability.WithName("orders/1"),
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithOpenTimeout(30*time.Second),
//	)
//
//	if breaker.Allow() {
//	    err := breaker.Execute(ctx, poll)
//	}
package reliability
