/*
Package engine drives runner containers through the host container
engine's API over the local socket.

Create validates the spec against the configured allow-lists and
applies the security defaults before anything reaches the engine. All
socket calls go through one bounded semaphore with a per-call timeout.
A monitoring loop samples stats for tracked containers into per
container ring buffers and raises cooldown-resolved alerts; an event
watcher mirrors engine-side state changes into the container registry.
*/
package engine
