/*
Package pool manages runner pools keyed by (repository, profile).

Acquire and Release are atomic per pool. Ephemeral pools drain a
runner after its single job; reusable pools return it to idle. Scale
moves a pool toward a desired size within its min/max bounds, never
draining assigned or busy runners. Acquire misses are counted as
demand for the auto-scaler. Container creation and teardown go through
the Provisioner interface so the engine stays decoupled.
*/
package pool
