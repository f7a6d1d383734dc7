/*
Package scheduler runs the polling cycle's heartbeat.

Every tick it repairs masters that lost their schedule, gathers the due
master nodes whose workflow and OLT are active and which have no
in-flight execution, wraps each master with its ordered chain into a
composite node, sorts the batch (delayed nodes first, then by how
overdue, then by priority) and hands it to the worker pool. The pool
decides between a slot and the backlog queue; the scheduler only
produces the ordered batch and drains a bounded slice of the queue.
*/
package scheduler
