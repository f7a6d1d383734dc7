/*
Package runtime is the boundary to the downstream execution runtime, the
external worker fleet that actually performs SNMP walks and gets.

Tasks flow out through a Submitter and terminal-state reports flow back
through a ResultHandler. The production implementation is a pair of Redis
lists shared with the runtime (one task list per job type, one result
list); the loopback implementation closes the loop in-process for
single-node development.
*/
package runtime
