// Package resilience provides the fault tolerance primitives shared by all
// front door components: exponential backoff retry, deadline enforcement,
// bounded-parallel fan-out, and a three-state circuit breaker with
// per-operation-class rate limiting.
//
// # Circuit Breaker
//
// The breaker distinguishes two failure surfaces:
//
//   - admission failures (CIRCUIT_OPEN, RATE_LIMITED) reject the call before
//     the wrapped function runs; rate-limit rejections do not count toward
//     the breaker's failure threshold
//   - wrapped-call failures increment the threshold counter and eventually
//     open the breaker
//
// An optional health check can close the loop from the outside: when the
// breaker is open and the check reports healthy, the next call is admitted
// as a half-open probe.
package resilience
