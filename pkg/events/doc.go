/*
Package events is the named-event tap connecting components to
observability sinks without a global pub/sub.

The broker fans events out over bounded per-subscriber channels; a
slow subscriber drops its own deliveries rather than stalling the
publisher. Events marked Security are additionally routed to the
security tap by subscribers that care.
*/
package events
