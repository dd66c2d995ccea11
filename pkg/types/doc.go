/*
Package types defines the core data model shared by all Stoker
components: jobs, runners, containers, pools, alerts, and the enums
that drive their state machines.

Each component owns its own table of records; cross-references between
them are ids validated on use, never live pointers. The job state
graph is enforced centrally through CanTransition so that no component
can persist an illegal transition.
*/
package types
