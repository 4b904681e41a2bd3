// Package storage keeps an operational audit trail for the bot: tasks that
// failed permanently and pending interactions that expired unanswered.
//
// The concurrency core itself persists nothing; this is a sink for its
// events, pruned on a schedule.
package storage
