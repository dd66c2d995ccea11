/*
Package log provides structured logging for Stoker using zerolog.

The package wraps zerolog behind a global logger initialized once via
Init, plus child-logger helpers that attach the ids every component
logs against: component, job_id, runner_id, container_id. JSON output
is the production default; the console writer is for development.

Log content never includes job log bytes or secret material; the
secret scanner redacts streams before anything reaches a sink.
*/
package log
