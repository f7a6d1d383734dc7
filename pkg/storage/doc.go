/*
Package storage persists the oltmon state: OLTs, workflows, workflow nodes,
OID templates, and executions.

Two implementations back the Store interface:

  - PostgresStore (sqlx + lib/pq): the production store. All replicas of
    the polling core share it; per-node and per-chain Redis locks make the
    concurrent writers safe.
  - BoltStore (bbolt): an embedded store for single-node deployments and
    tests. Values are JSON-encoded, one bucket per entity, with derived
    filtering done in Go.

The polling core itself only writes scheduling fields on workflow nodes
and creates/finalizes executions; everything else is written by the
administrative surfaces that sit outside this repository.
*/
package storage
