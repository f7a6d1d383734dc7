/*
Package dispatch closes the polling cycle.

The Dispatcher consumes terminal-state reports from the downstream
runtime: it finalizes the execution, stamps the node's run timestamps,
advances the master's next_run_at exactly once per execution, frees the
worker slot and cascades into the master's chain. Chain nodes run one
after another in stored order, each behind a short-lived distributed
lock so only one replica performs the handoff. When no successor goes in
flight the OLT's backlog gets the freed slot.

The Janitor is the matching repair loop: PENDING executions the runtime
never reported on are marked INTERRUPTED after a configurable age so
their OLT and slot cannot stay blocked forever.
*/
package dispatch
