// Package scheduler runs named recurring maintenance tasks on top of
// robfig/cron.
//
// Interval tasks are anchored: firing k happens at anchor + k*interval no
// matter how late the previous one was, so lateness never accumulates.
// A task body either runs inline on the cron goroutine or is submitted to
// the priority task queue.
package scheduler
