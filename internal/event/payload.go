package event

import (
	"errors"
	"fmt"

	"github.com/roach88/ulp/internal/sexpr"
)

// ErrUnknownType is returned when decoding an event whose type has no
// payload variant.
var ErrUnknownType = errors.New("event: unknown event type")

// Payload is a sealed union; each variant maps to exactly one Type.
type Payload interface {
	EventType() Type
	isPayload()
}

// MintToken creates a token owned by the signing peer.
type MintToken struct {
	TokenID string `sexpr:"tokenId"`
	Name    string `sexpr:"name"`
	Supply  int64  `sexpr:"supply"`
}

// SensorReading is an IoT measurement.
type SensorReading struct {
	SensorID  string  `sexpr:"sensorId"`
	Metric    string  `sexpr:"metric"`
	Value     float64 `sexpr:"value"`
	Unit      string  `sexpr:"unit"`
	Timestamp int64   `sexpr:"timestamp"`
}

// HVACCommand instructs a climate device.
type HVACCommand struct {
	DeviceID      string  `sexpr:"deviceId"`
	Mode          string  `sexpr:"mode"`
	TargetCelsius float64 `sexpr:"targetCelsius"`
	Timestamp     int64   `sexpr:"timestamp"`
}

// ComputeRequest asks for a job to be run. The module is referenced by
// content address only; it is never executed here.
type ComputeRequest struct {
	JobID     string  `sexpr:"jobId"`
	Module    []byte  `sexpr:"module"`
	Entry     string  `sexpr:"entry"`
	Args      []int64 `sexpr:"args"`
	Timestamp int64   `sexpr:"timestamp"`
}

// DomainPosition is one domain's residue and base.
type DomainPosition struct {
	A int64 `sexpr:"A"`
	B int64 `sexpr:"B"`
}

// StateChanged reports an entity's new multi-domain position.
type StateChanged struct {
	EntityID     string                    `sexpr:"entityId"`
	CurrentLayer int64                     `sexpr:"currentLayer"`
	Domains      map[string]DomainPosition `sexpr:"domains"`
}

// HarmonicResonanceTrigger reports that the named domains of an entity
// are all at residue zero.
type HarmonicResonanceTrigger struct {
	EntityID        string   `sexpr:"entityId"`
	ResonantDomains []string `sexpr:"resonantDomains"`
}

// QuorumActivated announces the quorum selected for a round.
type QuorumActivated struct {
	RoundSeed string   `sexpr:"roundSeed"`
	Quorum    []string `sexpr:"quorum"`
}

// QuorumEndorsement is a quorum member's vote to commit an event.
// Endorser names the voter so that votes from different members never
// share an event id.
type QuorumEndorsement struct {
	EventID  string `sexpr:"eventId"`
	Endorser string `sexpr:"endorser"`
}

// AgentAction records an agent decision and the reward it earned.
type AgentAction struct {
	AgentID string  `sexpr:"agentId"`
	Action  string  `sexpr:"action"`
	L       int64   `sexpr:"L"`
	A       int64   `sexpr:"A"`
	B       int64   `sexpr:"B"`
	Reward  float64 `sexpr:"reward"`
}

// AgentLearnedRule shares an explicit rule an agent has minted.
type AgentLearnedRule struct {
	AgentID    string  `sexpr:"agentId"`
	L          int64   `sexpr:"L"`
	A          int64   `sexpr:"A"`
	Action     string  `sexpr:"action"`
	Confidence float64 `sexpr:"confidence"`
}

// RectificationProof links a recent event to an older one by a found nonce.
// Signature covers the proof encoded with an empty Signature field.
type RectificationProof struct {
	RectifiedEventID    string `sexpr:"rectifiedEventId"`
	RectifyingEventID   string `sexpr:"rectifyingEventId"`
	ProofHash           string `sexpr:"proofHash"`
	Nonce               int64  `sexpr:"nonce"`
	Timestamp           int64  `sexpr:"timestamp"`
	ExpirationTimestamp int64  `sexpr:"expirationTimestamp"`
	SignerIdentity      string `sexpr:"signerIdentity"`
	Signature           []byte `sexpr:"signature"`
}

// RevokeProof revokes every rectification of an event.
type RevokeProof struct {
	ProofIDToRevoke string `sexpr:"proofIdToRevoke"`
}

func (MintToken) EventType() Type                { return TypeMintToken }
func (SensorReading) EventType() Type            { return TypeSensorReading }
func (HVACCommand) EventType() Type              { return TypeHVACCommand }
func (ComputeRequest) EventType() Type           { return TypeComputeRequest }
func (StateChanged) EventType() Type             { return TypeStateChanged }
func (HarmonicResonanceTrigger) EventType() Type { return TypeHarmonicResonanceTrigger }
func (QuorumActivated) EventType() Type          { return TypeQuorumActivated }
func (QuorumEndorsement) EventType() Type        { return TypeQuorumEndorsement }
func (AgentAction) EventType() Type              { return TypeAgentAction }
func (AgentLearnedRule) EventType() Type         { return TypeAgentLearnedRule }
func (RectificationProof) EventType() Type       { return TypeRectificationProof }
func (RevokeProof) EventType() Type              { return TypeRevokeProof }

func (MintToken) isPayload()                {}
func (SensorReading) isPayload()            {}
func (HVACCommand) isPayload()              {}
func (ComputeRequest) isPayload()           {}
func (StateChanged) isPayload()             {}
func (HarmonicResonanceTrigger) isPayload() {}
func (QuorumActivated) isPayload()          {}
func (QuorumEndorsement) isPayload()        {}
func (AgentAction) isPayload()              {}
func (AgentLearnedRule) isPayload()         {}
func (RectificationProof) isPayload()       {}
func (RevokeProof) isPayload()              {}

// Unsigned returns p with its signature cleared.
func (p RectificationProof) Unsigned() RectificationProof {
	p.Signature = nil
	return p
}

// SigningBytes is the canonical encoding the proof signature covers.
func (p RectificationProof) SigningBytes() ([]byte, error) {
	return sexpr.Marshal(p.Unsigned())
}

// EncodePayload returns the canonical bytes of p.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("event: nil payload")
	}
	return sexpr.Marshal(p)
}

// DecodePayload builds the payload of type t from its record value. It
// switches over every variant; adding a Type without a case here makes its
// events undecodable.
func DecodePayload(t Type, v sexpr.Value) (Payload, error) {
	switch t {
	case TypeMintToken:
		return into[MintToken](v)
	case TypeSensorReading:
		return into[SensorReading](v)
	case TypeHVACCommand:
		return into[HVACCommand](v)
	case TypeComputeRequest:
		return into[ComputeRequest](v)
	case TypeStateChanged:
		return into[StateChanged](v)
	case TypeHarmonicResonanceTrigger:
		return into[HarmonicResonanceTrigger](v)
	case TypeQuorumActivated:
		return into[QuorumActivated](v)
	case TypeQuorumEndorsement:
		return into[QuorumEndorsement](v)
	case TypeAgentAction:
		return into[AgentAction](v)
	case TypeAgentLearnedRule:
		return into[AgentLearnedRule](v)
	case TypeRectificationProof:
		return into[RectificationProof](v)
	case TypeRevokeProof:
		return into[RevokeProof](v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func into[P Payload](v sexpr.Value) (Payload, error) {
	var p P
	if err := sexpr.FromValue(v, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.EventType(), err)
	}
	return p, nil
}
