// Package model defines the value types shared by the trust agent:
// application keys, identities, security groups and the two state
// machines (SyncState, ApplicationState).
//
// Types in this package are plain values. Identity and ordering of an
// Application is determined by its public key alone; the SyncState is
// metadata and never participates in equality.
package model
