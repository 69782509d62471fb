// Package engine implements the proximity attendance engine.
//
// The engine turns a stream of beacon observations into present, left and
// absent attendance events, throttles them, and hands accepted events to a
// Dispatcher.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// The beacon registry, primary selector, per-beacon timers and throttle gate
// are owned by one goroutine. Everything that touches them arrives as a
// message in the mailbox:
// - observations from the Source (or Observe)
// - out-of-range and absent timer firings
// - the periodic staleness sweep
//
// Timers never mutate state directly. A firing posts a message carrying the
// generation it was armed with, and the loop discards firings whose timer
// was cancelled or replaced in the meantime.
//
// Message Processing Flow:
//  1. Observation normalized, validated and ingested into the registry
//  2. Absent timer cancelled; out-of-range timer armed or cancelled
//  3. Primary beacon recomputed; left(old) then present(new) emitted on change
//  4. Each emitted event passes the Gate; accepted ones are published to the
//     Sink, persisted in the snapshot and dispatched
//
// Timing:
//   - left fires OutOfRangeTimeout after the last in-range observation
//   - absent fires AbsentTimeout after the last observation, once a sweep has
//     noticed the beacon is quiet
//
// Delivery, queueing and retry live outside the loop (packages delivery and
// offline) so a slow network never blocks ingestion.
package engine
