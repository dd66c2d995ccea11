/*
Package errdefs defines the classified error taxonomy used across the
orchestrator: validation, conflict, transient, fatal, and security.

Classification drives behavior, not just reporting: validation and
security failures dead-letter a job immediately, transient failures
flow through the retry policy, fatal failures bypass retry and mark
the component unhealthy. Container-engine errors are bucketed through
an externalized RetryClass table so operators can tune which engine
failures are worth retrying.
*/
package errdefs
