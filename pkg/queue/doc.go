/*
Package queue implements the backlog of composite nodes awaiting a worker
slot.

The queue is bounded, deduplicates by master node ID, and orders entries
by the tuple (¬delayed, −delay, −priority) with FIFO tie-breaks. A full
queue drops new entries silently: the scheduler re-identifies any ready
node on its next tick, so a drop costs latency, never work.
*/
package queue
