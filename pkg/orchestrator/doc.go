/*
Package orchestrator is the control loop that wires intake, routing,
queueing, pools, the container engine, scanning, scaling, and cleanup
into one process.

Startup follows dependency order and runs recovery before the webhook
listener opens: jobs stranded in Received are re-routed, and runners
that were mid-job are torn down. Shutdown walks the components in
reverse, each phase bounded by the configured timeout and abandoned
with a force-stop when it expires. The executor in this package is the
seam between the queue engine and the runtime: it takes a runner,
starts its container, streams logs through the secret scanner, and
turns the container's exit into the job's outcome.
*/
package orchestrator
