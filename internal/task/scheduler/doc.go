// Package scheduler registers named schedules (cron, interval, one-shot)
// and turns each trigger into a task on the engine. It never runs work
// itself.
package scheduler
