// Package store persists a peer's state blob in SQLite.
//
// The blob is small and rewritten whole at each checkpoint:
//   - Node: the private key in its persisted form (a hex seed or a
//     USE_ENV: reference, never the resolved secret)
//   - Revocations: append-only; rows are inserted, never deleted
//   - Tokens: the minted-token ledger
//   - Agents: Q-values, explicit rules and meta-cognitive bases
//   - Entities: layer, layer history and per-domain residues
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Layer histories are stored as canonical S-expression blobs so the
// same encoder backs both the wire and the disk.
package store
