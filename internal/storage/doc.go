// Package storage defines the persistence boundary of the trust agent.
//
// AgentCAStorage holds the desired state of every managed application
// (identity certificate, memberships, policy, approved manifest) plus the
// certificate authority that signs them. It exposes two transactions:
//
//   - a two-phase claim: StartApplicationClaiming reserves certificates
//     before the remote handshake and FinishApplicationClaiming commits or
//     rolls back the reservation;
//   - an update loop: StartUpdates hands out an UpdateID and
//     UpdatesCompleted either confirms convergence or returns a fresh ID
//     because more changes arrived in the meantime.
//
// Implementations notify registered Listeners after each committed
// mutation, outside of any internal lock.
package storage
