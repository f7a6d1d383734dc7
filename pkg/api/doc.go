/*
Package api exposes the read-mostly HTTP surface of the polling core:
worker slot state, backlog contents, pool statistics, recent lifecycle
events, Prometheus metrics and health probes, plus a manual-run endpoint
for forcing a single master poll outside its schedule.
*/
package api
