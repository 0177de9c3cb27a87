// Package dispatch submits lifecycle operations to the job queue and settles
// their outcomes.
//
// Submission resolves the operation's retry policy and enqueues the payload.
// Settlement runs in the worker process from the queue's completion hooks:
// it stamps the job id on the Start event, writes the End event, and releases
// the resource's busy entry. Intermediate failures are only logged; the
// busy entry stays held until the job succeeds or exhausts its retries.
package dispatch
