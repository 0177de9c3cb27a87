// Package schedule provides schedules for recurring jobs such as the daily
// reconciliation sweep.
//
// This package includes:
//   - Schedule interface for defining job schedules
//   - Every() for fixed-interval schedules
//   - Cron() and ParseCron() for cron expressions, including descriptors
//     such as "@daily"
package schedule
