// Package agent implements the security agent: it claims applications
// announced on the bus and keeps the security configuration installed on
// every managed application in line with storage.
//
// # Claiming
//
// Claim asks the registered ClaimListener to approve the manifest the
// application requests and to pick one session type from the claim
// capabilities both sides support. Storage reserves the certificates
// before the remote handshake and commits or discards them afterwards.
// Any failure after the listener was consulted resets the application.
//
// # Synchronisation
//
// UpdateApplications compares the configuration reported by each
// application with storage and pushes whatever differs, inside a storage
// update transaction. Failures never reach the caller; they are reported
// as SyncError values to ApplicationListeners, and processing continues
// with the next resource and the next application.
//
// # Notifications
//
// Listener events are delivered in FIFO order on the goroutine that
// produced them. For a single application, sync errors of a pass are
// delivered before the state change that pass causes.
package agent
