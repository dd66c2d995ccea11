/*
Package cache provides the key-value cache behind intake dedup, queue
depth fast paths, and reaper cursors.

Two backends implement the same narrow Store interface: an in-process
TTL cache (the single-node default) and redis. The cache is an
accelerator, never a source of truth; every record it holds is
mirrored in the durable store.
*/
package cache
