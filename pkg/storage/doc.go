/*
Package storage is the durable state layer, backed by BoltDB.

One database file carries the logical tables of the system: jobs plus
their append-only transition logs, archived job summaries, intake
dedup entries, cron schedules and their emission markers, runner
records, the container registry, and pool snapshots.

UpdateJobState is the heart of the C2 contract: a conditional
compare-and-transition inside a single bolt transaction, appending to
the transition log atomically with the state flip. Precondition
mismatches surface as conflict errors and are never silently applied.
*/
package storage
