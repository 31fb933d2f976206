// Package scheduler triggers the periodic maintenance jobs (catalog refresh,
// availability check, autosave) on cron or interval schedules.
//
// Jobs run on the cron goroutine with overlap skipping; a job still running
// when its next trigger fires is skipped, not queued.
package scheduler
