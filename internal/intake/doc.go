// Package intake is the event ingestion pipeline: a non-recursive
// directory watch feeding a per-path debouncer, a bounded submission
// queue with duplicate suppression, and a fixed-size worker pool.
//
// Guarantees:
//   - one stabilized submission per burst of change events on a path
//   - at most one in-flight processing attempt per path
//   - submissions never block the event source (drop-and-log on
//     capacity), and graceful shutdown with a bounded drain
package intake
