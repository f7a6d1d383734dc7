/*
Package composite groups a master workflow node with its ordered chain
into the unit the scheduler dispatches, and implements the dispatch
protocol that creates executions.

The protocol guarantees at-most-one in-flight execution per node and per
OLT even when several replicas race: a non-blocking distributed lock per
node, a double-checked in-flight lookup under the lock, and an explicit
per-OLT in-flight check before the execution row is created. The result
is a sum type (Dispatched, AlreadyRunning, Rejected) so callers branch on
outcomes rather than on error values.
*/
package composite
