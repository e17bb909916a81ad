// Package harness runs fleet scenarios against the security agent.
//
// A scenario declares fake devices, a list of steps applied to the fleet
// and the expected outcome. Each run uses a fresh SQLite store in a
// temporary directory, the in-memory FakeBus and a fixed clock, and
// records every step and every ApplicationListener callback in a trace.
// Traces are compared with golden files.
//
// # Scenario Format
//
//	name: manifest_update
//	description: "A claimed device asks for more rights"
//	identity: lamps
//	groups:
//	  - name: operators
//	devices:
//	  - name: lamp
//	    capabilities: ECDHE_NULL|ECDHE_PSK
//	    manifest:
//	      - interface: org.example.Lamp
//	        members:
//	          - { name: On, type: PROPERTY, actions: [PROVIDE, OBSERVE] }
//	steps:
//	  - do: announce
//	    device: lamp
//	  - do: claim
//	    device: lamp
//	    session: ECDHE_PSK
//	    secret: "0123456789abcdef"
//	  - do: sync
//	expect:
//	  - device: lamp
//	    application_state: CLAIMED
//	    sync_state: OK
//	    policy_version: 1
//	assertions:
//	  - type: trace_count
//	    event: { type: sync_error }
//	    count: 0
//
// # Steps
//
//   - announce, leave, set_state: change what the bus reports
//   - claim: claim a device; session, secret and reject drive the listener
//   - sync: run one UpdateApplications pass for a device or the fleet
//   - fail, clear_failures: inject bus failures per operation
//   - bump_policy, install_membership, remove_membership, reset: change storage
//   - request_manifest: make a claimed device ask for a new manifest
//   - approve_manifest_updates: approve every manifest update seen so far
//
// Any step may carry expect_error with a substring of the error it must
// return.
//
// # Assertion Types
//
//   - trace_contains: an event matching the fields given appears
//   - trace_order: matching events appear in the given order
//   - trace_count: exactly count events match
//
// # Determinism
//
// The agent runs with one sync worker and without its Run loop, so every
// event is caused by a step and traces are identical across runs. Events
// name devices by their scenario name rather than by key.
package harness
