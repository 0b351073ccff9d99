// Package queue implements a persisted task queue on SQLite.
//
// Tasks move through queued, claimed, running and into one of the terminal
// statuses completed or failed. The single non-obvious operation is Claim,
// which picks and transitions the next task in one SQL statement so that
// any number of competing workers stay mutually exclusive without
// application-level locking. Which task is "next" is decided by a Strategy.
//
// The package also persists worker heartbeats, used to re-queue tasks
// whose worker died mid-flight, and cron schedules that feed the queue.
package queue
