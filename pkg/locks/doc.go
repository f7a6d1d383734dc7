/*
Package locks provides the distributed mutual exclusion the polling core
relies on when multiple replicas run against the same store.

Two lock families exist:

  - exec:workflow_node:<id> (TTL 5 min) prevents duplicate execution
    creation for one workflow node
  - chain_execution:... (TTL 30 s) prevents duplicate chain dispatch when
    concurrent completion callbacks race

Acquire is non-blocking everywhere: a held lock means a peer is already
doing the work, so the caller backs off instead of waiting. TTLs bound
any deadlock left behind by a crashed replica.
*/
package locks
