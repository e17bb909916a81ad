// Package store provides the SQLite implementation of the trust agent's
// AgentCAStorage.
//
// The store keeps:
//   - ca: the certificate authority key pair (generated on first open)
//   - counters: certificate serial numbers and update transaction ids
//   - groups / identities: the catalogue administrators assign from
//   - applications: one row per claimed or claiming application
//   - certificates: issued identity and membership certificates
//
// # Transactions
//
// Every mutation runs in a single SQL transaction. Listener
// notifications are collected while the transaction runs and delivered
// only after it commits.
//
// Each application row carries a change_seq that every mutation of its
// desired state increments. StartUpdates binds a fresh update id to the
// current change_seq; UpdatesCompleted compares them to decide whether
// the transaction converged.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Wait for locks (default 5 seconds)
//   - foreign_keys=ON: Certificates cascade with their application
package store
