// Package harness runs scripted presence scenarios against the real engine.
//
// A scenario is a YAML file describing beacon sightings, attendance service
// outages and manual flushes at fixed offsets from the start of the run:
//
//	name: dispatch_failure_then_retry
//	description: "An event sent while offline is queued and synced by a flush"
//	settings:
//	  throttle_interval: 20s
//	steps:
//	  - at: 0s
//	    api: offline
//	  - at: 0s
//	    observe: B1
//	    rssi: -60
//	    every: 5s
//	    through: 30s
//	  - at: 30s
//	    api: online
//	  - at: 30s
//	    flush: true
//	assertions:
//	  - type: trace_contains
//	    line: "t=30s present B1 synced"
//	  - type: queue_length
//	    count: 0
//
// # Steps
//
// Each step does one thing at its offset:
//
//   - observe: ingest a sighting of the named beacon with the given rssi;
//     with every/through the sighting repeats over [at, through]
//   - api: switch the fake attendance service to online, offline, failing
//     (reachable but rejecting marks) or unauthorized
//   - flush: run one offline queue pass
//
// A step with none of these only moves the clock. Steps are applied in
// offset order; steps at the same offset keep their file order.
//
// # Trace
//
// Every notification and throttle rejection becomes one trace line:
//
//	t=<seconds>s <kind> <beacon> <status>
//
// where status is accepted, synced, queued, dropped or rejected:<reason>.
// Flush steps add a line summarizing the pass. The trace is compared against
// golden files under testdata/golden with goldie.
//
// # Assertion Types
//
//   - trace_contains: a line appears in the trace
//   - trace_order: lines appear in the given order, not necessarily adjacent
//   - trace_count: the number of lines matching kind, beacon and status
//   - queue_length: events left in the offline queue at the end
//   - final_primary: the primary beacon at the end ("" for none)
//
// # Determinism
//
// Each run gets a fake clock, a sequence event id generator, a scriptable fake
// API and a fresh in-memory SQLite store. Deliveries run synchronously on the
// engine loop, so a scenario always produces the same trace.
package harness
