// Package store provides SQLite-backed durable key-value storage for the
// presence engine.
//
// Two keys are written by the engine:
//   - offline/queue: the serialized offline delivery queue
//   - presence/snapshot: the primary beacon and last accepted event
//
// Each Set is a single UPSERT, so a crash leaves either the previous or the
// new value for a key, never a mix.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: every committed Set survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
