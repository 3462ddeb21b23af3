package peer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/ulp/internal/car"
	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/harmonic"
)

// endorsementThreshold is how many of the three quorum members must
// endorse before a consensus event commits.
const endorsementThreshold = 2

// orphanEndorsementLimit bounds how many events this peer has not seen
// yet may hold endorsements. The oldest are dropped first.
const orphanEndorsementLimit = 1024

// handle runs the acceptance pipeline for one wire message.
func (p *Peer) handle(ctx context.Context, data []byte) Outcome {
	se, err := event.DecodeSigned(data)
	if err != nil {
		return p.rejected(Outcome{}, ReasonDecode, err)
	}
	out := Outcome{Signed: se, EventID: se.Event.ID()}

	if err := event.VerifySigned(se); err != nil {
		return p.rejected(out, ReasonSignature, err)
	}

	if proof, ok := se.Event.Payload.(event.RectificationProof); ok {
		if reason, err := p.checkProof(proof); err != nil {
			return p.rejected(out, reason, err)
		}
	}

	if p.isDuplicate(out.EventID) {
		return p.rejected(out, ReasonDuplicate, errors.New("already in local history"))
	}

	body, err := event.EncodePayload(se.Event.Payload)
	if err != nil {
		return p.rejected(out, ReasonInternal, err)
	}
	after := harmonic.NewUnit(out.EventID, body)
	if err := p.gate.Validate(p.ledger.unit(), after, se.Event.Level); err != nil {
		return p.rejected(out, ReasonAxiom, err)
	}

	if se.Event.Level.RequiresQuorum() && p.selector != nil {
		return p.hold(ctx, out, after)
	}

	p.commit(ctx, se, out.EventID, after)
	out.Status = StatusAccepted
	return out
}

// checkProof applies the receiver checks for a rectification proof.
func (p *Peer) checkProof(proof event.RectificationProof) (RejectReason, error) {
	err := car.Verify(proof, p.now(), p.revoked)
	switch {
	case errors.Is(err, car.ErrRevoked):
		return ReasonRevoked, err
	case errors.Is(err, car.ErrExpired):
		return ReasonExpired, err
	case errors.Is(err, car.ErrProofSignature):
		return ReasonProofSignature, err
	case err != nil:
		return ReasonInternal, err
	}

	rectifying, ok := p.window.Find(proof.RectifyingEventID)
	if !ok {
		return "", nil
	}
	rectified, ok := p.window.Find(proof.RectifiedEventID)
	if !ok {
		return "", nil
	}
	if err := car.CheckWork(proof, rectifying, rectified); err != nil {
		return ReasonProofWork, err
	}
	return "", nil
}

func (p *Peer) isDuplicate(eventID string) bool {
	if _, ok := p.pending[eventID]; ok {
		return true
	}
	_, ok := p.window.Find(eventID)
	return ok
}

func (p *Peer) rejected(out Outcome, reason RejectReason, err error) Outcome {
	re := reject(reason, out.EventID, out.Signed.Source, err)
	out.Status = StatusRejected
	out.Err = re
	p.metrics.EventsRejected.WithLabelValues(string(reason)).Inc()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.String("event_id", out.EventID),
		zap.String("event_type", string(out.Signed.Event.Type)),
		zap.String("source", out.Signed.Source),
		zap.Error(err),
	}
	switch reason {
	case ReasonAxiom, ReasonDuplicate:
		p.logger.Debug("event rejected", fields...)
	case ReasonInternal:
		p.logger.Error("event rejected", fields...)
	default:
		p.logger.Warn("event rejected", fields...)
	}
	return out
}

// hold parks a consensus event until its quorum endorses it. A quorum
// member endorses immediately.
func (p *Peer) hold(ctx context.Context, out Outcome, unit harmonic.Unit) Outcome {
	id := out.EventID
	p.pending[id] = pendingEvent{signed: out.Signed, unit: unit}
	p.metrics.EventsPending.Set(float64(len(p.pending)))

	quorum := p.selector.Quorum(id)
	p.logger.Debug("event awaiting quorum",
		zap.String("event_id", id),
		zap.Strings("quorum", shortAll(quorum)),
	)

	if p.selector.InQuorum(id, p.kp.ID()) {
		if _, err := p.Publish(ctx, event.QuorumEndorsement{EventID: id, Endorser: p.kp.ID()}, event.LevelPeerToPeer); err != nil {
			p.logger.Warn("endorsement not published", zap.String("event_id", id), zap.Error(err))
		}
	}

	// Endorsements can outrun the event they endorse.
	if _, ok := p.commitPending(ctx, id); ok {
		out.Status = StatusAccepted
		return out
	}
	out.Status = StatusPending
	return out
}

// endorse counts an endorsement from source and commits the target once
// the threshold is reached.
func (p *Peer) endorse(ctx context.Context, target, source string) {
	if p.selector == nil {
		return
	}
	if !p.selector.InQuorum(target, source) {
		p.logger.Debug("ignoring endorsement from outside quorum",
			zap.String("event_id", target),
			zap.String("source", source),
		)
		return
	}
	// Late votes for an event that already committed.
	if _, ok := p.window.Find(target); ok {
		return
	}
	set := p.endorsements[target]
	if set == nil {
		set = make(map[string]struct{})
		p.endorsements[target] = set
		if _, ok := p.pending[target]; !ok {
			p.trackOrphan(target)
		}
	}
	set[source] = struct{}{}

	if se, ok := p.commitPending(ctx, target); ok {
		p.emit(Outcome{Status: StatusAccepted, Signed: se, EventID: target})
	}
}

// trackOrphan remembers that target has endorsements but no event yet,
// evicting the oldest such entries past orphanEndorsementLimit. Entries
// whose event has since arrived are kept.
func (p *Peer) trackOrphan(target string) {
	p.orphans = append(p.orphans, target)
	for len(p.orphans) > orphanEndorsementLimit {
		old := p.orphans[0]
		p.orphans = p.orphans[1:]
		if _, ok := p.pending[old]; !ok {
			delete(p.endorsements, old)
		}
	}
}

func (p *Peer) commitPending(ctx context.Context, id string) (event.SignedEvent, bool) {
	pe, ok := p.pending[id]
	if !ok || len(p.endorsements[id]) < endorsementThreshold {
		return event.SignedEvent{}, false
	}
	delete(p.pending, id)
	delete(p.endorsements, id)
	p.metrics.EventsPending.Set(float64(len(p.pending)))

	p.commit(ctx, pe.signed, id, pe.unit)
	return pe.signed, true
}

// commit appends an accepted event to local history and runs its effects.
func (p *Peer) commit(ctx context.Context, se event.SignedEvent, id string, unit harmonic.Unit) {
	p.window.Push(unit)
	p.metrics.WindowSize.Set(float64(p.window.Len()))
	p.metrics.EventsAccepted.WithLabelValues(string(se.Event.Type)).Inc()

	p.apply(ctx, se, id)

	fired := p.cep.ProcessEvent(se)
	p.logger.Debug("event accepted",
		zap.String("event_id", id),
		zap.String("event_type", string(se.Event.Type)),
		zap.String("level", string(se.Event.Level)),
		zap.String("source", se.Source),
		zap.Strings("rules_fired", fired),
	)

	if se.Event.Type.Rectifiable() && p.trigger(unit.Signature.ID, p.kp.ID()) {
		p.rectify(ctx, unit, se.Event.Level)
	}
}

// rectify links unit to a random older unit. An exhausted search is not
// an error.
func (p *Peer) rectify(ctx context.Context, unit harmonic.Unit, level event.ConsensusLevel) {
	older, ok := p.window.Random(p.rng)
	if !ok {
		return
	}
	proof, err := p.rectifier.Generate(ctx, unit, older, level)
	if err != nil {
		p.logger.Warn("rectification aborted", zap.String("event_id", unit.EventID), zap.Error(err))
		return
	}
	if proof == nil {
		p.logger.Debug("rectification search exhausted",
			zap.String("rectifying", unit.EventID),
			zap.String("rectified", older.EventID),
		)
		return
	}

	p.metrics.ProofsGenerated.Inc()
	p.metrics.NonceSearch.Observe(float64(proof.Nonce))
	p.logger.Info("rectification proof generated",
		zap.String("rectifying", proof.RectifyingEventID),
		zap.String("rectified", proof.RectifiedEventID),
		zap.Int64("nonce", proof.Nonce),
	)
	if _, err := p.Publish(ctx, *proof, event.LevelPeerToPeer); err != nil {
		p.logger.Warn("rectification proof not published", zap.Error(err))
	}
}

// apply runs the type-specific effects of an accepted event.
func (p *Peer) apply(ctx context.Context, se event.SignedEvent, id string) {
	switch pl := se.Event.Payload.(type) {
	case event.MintToken:
		if p.ledger.mint(pl, se.Source) {
			p.logger.Info("token minted",
				zap.String("token_id", pl.TokenID),
				zap.Int64("supply", pl.Supply),
				zap.String("owner", se.Source),
			)
		} else {
			p.logger.Debug("token already minted", zap.String("token_id", pl.TokenID))
		}

	case event.RevokeProof:
		// Any signer may revoke; there is no authority check.
		if p.revoked.Add(pl.ProofIDToRevoke) {
			p.metrics.Revocations.Set(float64(p.revoked.Len()))
			p.logger.Warn("rectifications revoked",
				zap.String("event_id", pl.ProofIDToRevoke),
				zap.String("source", se.Source),
			)
		}

	case event.RectificationProof:
		p.metrics.ProofsVerified.Inc()
		p.logger.Info("rectification proof verified",
			zap.String("rectifying", pl.RectifyingEventID),
			zap.String("rectified", pl.RectifiedEventID),
			zap.String("signer", pl.SignerIdentity),
		)

	case event.QuorumEndorsement:
		if pl.Endorser != se.Source {
			p.logger.Warn("endorsement signed by another identity",
				zap.String("event_id", pl.EventID),
				zap.String("endorser", pl.Endorser),
				zap.String("source", se.Source),
			)
			return
		}
		p.endorse(ctx, pl.EventID, se.Source)

	case event.QuorumActivated:
		p.logger.Info("quorum activated",
			zap.String("round_seed", pl.RoundSeed),
			zap.Strings("quorum", shortAll(pl.Quorum)),
		)

	case event.HarmonicResonanceTrigger:
		p.logger.Info("harmonic resonance",
			zap.String("entity_id", pl.EntityID),
			zap.Strings("domains", pl.ResonantDomains),
		)

	case event.StateChanged, event.AgentAction, event.AgentLearnedRule:
		p.logger.Debug("agent event", zap.String("event_id", id), zap.String("event_type", string(se.Event.Type)))

	case event.SensorReading, event.HVACCommand, event.ComputeRequest:
		p.logger.Info("device event", zap.String("event_id", id), zap.String("event_type", string(se.Event.Type)))

	default:
		panic(fmt.Sprintf("peer: unhandled payload %T", pl))
	}
}

func shortAll(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = short(id)
	}
	return out
}
