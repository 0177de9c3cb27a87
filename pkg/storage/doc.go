// Package storage provides the GORM-backed persistence for vapp-jobs.
//
// A single GormStorage value implements every store interface declared in
// pkg/core: the worker-side job store, the event log, retry policies, data
// center quotas and users. SQLite and PostgreSQL are supported through Open.
package storage
