// Package security provides validation, sanitization, and limits for vapp-jobs.
//
// Job failure text is copied into the audit log, so SanitizeErrorMessage
// masks provider credentials before anything is persisted.
package security
