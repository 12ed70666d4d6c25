// Package optimizer periodically rewrites proxy server weights from sampled
// backend performance.
//
// Three strategies are selectable at runtime:
//
//   - adaptive: scores each server on response time, error rate, queue depth,
//     and utilization, then moves weights toward each server's score share
//   - predictive: adaptive scoring biased by time-of-week traffic patterns
//     and a linear-regression trend estimate; rising backends shift weight
//     toward servers with connection headroom
//   - balanced: converges all healthy servers toward uniform weight
//
// Weight changes below the configured delta are suppressed, and all applied
// changes go through a single proxy admin transaction: on any partial
// failure the transaction is aborted and no weight changes.
//
// An emergency pass runs out of band when any server's queue exceeds the
// emergency threshold or its utilization passes 80%, using a faster
// adaptation rate.
package optimizer
