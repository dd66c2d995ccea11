/*
Package scaler sizes runner pools from observed load.

Each evaluation computes queue pressure (waiting jobs over idle
runners) and a utilization EWMA per pool, optionally sharpened by a
linear-regression forecast of arrival rate. Scale-ups add
ceil(pressure - target) runners or one runner on high utilization;
scale-downs remove at most one runner per cooldown window and only
while pressure stays below one. Desired sizes are clamped to the
pool's bounds and never drop below the busy count. The scaler only
emits decisions; the pool manager owns runner state.
*/
package scaler
