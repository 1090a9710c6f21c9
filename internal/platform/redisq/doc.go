// Package redisq provides a Redis-backed task.Broker for running several
// worker processes against the same queues.
//
// Waiting tasks live in per-queue sorted sets and are claimed atomically by
// Lua scripts. A claimed delivery that is not acknowledged within the
// visibility timeout becomes ready again, so delivery is at least once.
// Ordering within a priority and creation millisecond falls back to the
// task id.
package redisq
