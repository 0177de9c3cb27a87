// Package busy implements the busy registry: a TTL'd mutual-exclusion flag
// keyed by vApp or VM id.
//
// A Registry records that an operation is in flight for a resource. The entry
// value is a short operator-facing description ("Powering on"). Entries are
// removed when the operation settles; the one-hour TTL only covers workers
// that die without settling.
//
// Two stores are provided: RedisStore for deployments where the API and the
// workers run in separate processes, and MemoryStore (freecache) for a
// single-process deployment and tests.
//
// Every store error is reported as core.ErrRegistryUnavailable. The registry
// never answers "not busy" when it could not ask.
package busy
