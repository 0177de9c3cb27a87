// Package core provides the shared types and interfaces of the vapp-jobs
// packages.
//
// This package contains:
//   - Job, Event, RetryPolicy and DataCenter models with GORM annotations
//   - the closed Operation set and the job Payload
//   - store interfaces implemented by pkg/storage
//   - queue signals, rejections and error types
//
// Most users should import the root package github.com/jdziat/vapp-jobs
// instead of this package directly.
package core
