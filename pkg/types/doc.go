/*
Package types defines the domain entities shared across the oltmon polling
core: OLTs, workflows, workflow nodes, OID templates, and executions.

The invariants the rest of the system relies on:

  - a chain node has a nil NextRunAt and a non-nil MasterNodeID
  - a master node has a non-nil NextRunAt and IsChainNode == false
  - chain nodes of one master are totally ordered by (priority desc, id asc)
  - a node's OID template space selects the job type: "descubrimiento"
    runs a discovery walk, everything else runs a get
  - at most one execution per node, and at most one execution per OLT,
    may be PENDING or RUNNING at any instant

Types here carry no behavior beyond cheap derived accessors; all state
transitions live in the scheduler, poller, and dispatch packages.
*/
package types
