/*
Package reaper is the background cleanup loop.

Each sweep removes finished containers past their TTL, archives
terminal jobs past the retention window, evicts stale container
metrics, and drains pools that have seen no arrivals for the idle TTL.
Tasks are idempotent and individually leased through the cache so
overlapping sweeps stay cheap; a failing task logs and is retried on
the next tick.
*/
package reaper
