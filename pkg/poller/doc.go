/*
Package poller implements the worker pool: a fixed set of slots, each
representing one outstanding operation against an OLT, plus the backlog
queue they drain.

A slot is held BUSY across the whole asynchronous round-trip to the
downstream runtime and is freed by the completion dispatcher, never by
the dispatching goroutine. The pool checks the per-OLT in-flight state
before handing a node to a slot, buffers what it cannot place, and
reports saturation through Stats. Stats doubles as a repair pass: any
busy slot whose execution is already terminal in storage is force-freed.
*/
package poller
