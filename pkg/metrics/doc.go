/*
Package metrics exposes Prometheus collectors for every component plus
the component health registry behind /healthz.

Collectors are package-level and registered in init; components record
into them directly. Gauge state that must be sampled rather than
counted (queue depths, runner counts, container states) is refreshed
by the Collector in the orchestrator's tick.
*/
package metrics
