// Package reconcile backfills failure detail into the event log.
//
// A Failed End event is written with an empty message because the job's
// error is not guaranteed to be readable from inside the failure callback.
// The sweep later copies each job's last error into its event, and purges
// finished jobs past the retention window. Events whose job was purged keep
// an empty message for good.
package reconcile
