// Package peer wires the runtime components into a running node.
//
// A Peer owns its identity, harmonic window, CEP engine, revocation set,
// token ledger, hosted entities and hosted agents. None of that state is
// shared: everything is mutated from the goroutine running Peer.Run.
//
// ARCHITECTURE:
//
// Single-Writer Inbox:
// Inbound wire messages (Deliver), locally published events (Publish) and
// local commands (InitializeEntity, RunAgentStep, ...) all enter one
// unbounded FIFO. Run dequeues one message at a time and runs it to
// completion, including any CEP actions and rectification search it
// triggers, before looking at the next.
//
// Message Handling:
//  1. Decode the canonical bytes into a SignedEvent (DECODE)
//  2. Verify the signature against the source identity (SIGNATURE)
//  3. For rectification proofs: revocation, expiry, proof signature and,
//     when both referenced units are known, the work itself
//  4. Drop events already in the window or awaiting quorum (DUPLICATE)
//  5. Run the axiomatic gate with the ledger as "before" and the payload
//     as "after" (AXIOM)
//  6. GROUP and GLOBAL events wait for two endorsements from their Fano
//     quorum when a validator set is configured
//  7. Commit: window, payload effects, CEP, then maybe rectification
//
// Every failure is logged and the message is discarded; the loop never
// retries and never stops on a bad message.
package peer
