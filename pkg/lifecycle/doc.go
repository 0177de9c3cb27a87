// Package lifecycle accepts lifecycle operation requests for vApps and VMs
// and runs them on the worker pool.
//
// RequestOperation evaluates the guards of an operation in a fixed order:
// the resource must resolve at the provider, it must not be busy, it must be
// in an eligible power state (and, for a guest shutdown, have guest tools),
// and starting or creating a vApp must fit the data center quota. The first
// failing guard rejects the request with a *core.Rejection and nothing is
// written. When every guard passes the resource is claimed in the busy
// registry, the Start event is written and the job is submitted.
//
// RegisterHandlers installs the job handlers that perform each operation
// against the provider. The dispatcher settles their outcomes.
package lifecycle
