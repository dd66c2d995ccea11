/*
Package queue is the persistent priority queue engine.

Jobs live in the bolt store; the heaps here are an index over it and
are rebuilt from job states on recovery. A single scheduler goroutine
ticks every 100ms, visiting queues in weighted round-robin order. Each
visit promotes due delayed jobs and dispatches at most one waiting job
to the shared worker pool, subject to the queue's concurrency limit
and rate limiter.

Dispatch order within a queue is priority, then enqueue time, then job
id. Failed jobs re-enter through exponential backoff with jitter until
their attempt budget runs out, then dead-letter. Cron schedules emit
template jobs once per boundary, deduplicated durably so restarts
cannot double-fire.
*/
package queue
