// Package harness runs scripted scenarios against an in-process network of
// peers and checks what every peer observed.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: mint_reaches_everyone
//	description: "A minted token is recorded by every peer"
//	peers: 3
//	validators: false      # true needs peers >= 7
//	rectify: never         # never | always | hash
//	seeds: [round-1]       # consensus round seeds, consumed in order
//	steps:
//	  - peer: 0
//	    publish:
//	      type: MINT_TOKEN
//	      level: PEER_TO_PEER
//	      payload: { tokenId: T1, name: Gold, supply: 100 }
//	  - peer: 1
//	    redeliver: 0       # bytes of the event published at step 0
//	  - peer: 0
//	    update_entity: ghost
//	    expect_error: unknown entity
//	assertions:
//	  - type: outcome_count
//	    peer: 1
//	    status: REJECTED
//	    reason: DUPLICATE
//	    count: 1
//	  - type: final_state
//	    peer: 2
//	    table: tokens
//	    where: { token_id: T1 }
//	    expect: { supply: 100, owner: "@peer0" }
//
// Strings of the form @peerN resolve to peer N's identity and @stepN to the
// id of the event published at step N, in payloads, where and expect.
// Float payload fields need a decimal point (20.0, not 20).
//
// # Steps
//
// Each step names exactly one action: publish, deliver (hex bytes),
// redeliver, initialize_entity, update_entity, host_agent, agent_step,
// consensus_round, advance_clock. repeat runs the action several times.
//
// # Assertion Types
//
//   - outcome_contains: an outcome with the given status, type and payload subset
//   - outcome_count: exactly count outcomes matching status, type and reason
//   - outcome_order: accepted events of the listed types in that order, as
//     they appear in the trace (steps in order, each step sorted)
//   - final_state: a row of the peer's checkpointed state tables
//
// Assertions without a peer must hold on every peer.
//
// # Deterministic Testing
//
// Peers get identities derived from their index, share a manual clock
// starting at the scenario's start time and draw consensus seeds from the
// scenario. After each step the harness waits until no peer has produced
// an outcome for the settle period, then records that step's outcomes
// sorted by peer, status, type and reason. Golden files hold the sorted
// trace without event ids or payloads.
package harness
