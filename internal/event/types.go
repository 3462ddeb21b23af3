// Package event defines the runtime's immutable events, their typed
// payloads and the signed wire form exchanged between peers.
package event

// ConsensusLevel is the scope of agreement an event asks for.
type ConsensusLevel string

const (
	LevelLocal      ConsensusLevel = "LOCAL"
	LevelPeerToPeer ConsensusLevel = "PEER_TO_PEER"
	LevelGroup      ConsensusLevel = "GROUP"
	LevelGlobal     ConsensusLevel = "GLOBAL"
)

// Levels lists every level from least to most demanding.
var Levels = []ConsensusLevel{LevelLocal, LevelPeerToPeer, LevelGroup, LevelGlobal}

// Valid reports whether l is one of the four known levels.
func (l ConsensusLevel) Valid() bool {
	switch l {
	case LevelLocal, LevelPeerToPeer, LevelGroup, LevelGlobal:
		return true
	}
	return false
}

// RequiresQuorum reports whether events at l commit only after quorum
// endorsement.
func (l ConsensusLevel) RequiresQuorum() bool {
	return l == LevelGroup || l == LevelGlobal
}

// Type names the payload variant an event carries.
type Type string

const (
	TypeMintToken                Type = "MINT_TOKEN"
	TypeSensorReading            Type = "SENSOR_READING"
	TypeHVACCommand              Type = "HVAC_COMMAND"
	TypeComputeRequest           Type = "COMPUTE_REQUEST"
	TypeStateChanged             Type = "STATE_CHANGED"
	TypeHarmonicResonanceTrigger Type = "HARMONIC_RESONANCE_TRIGGER"
	TypeQuorumActivated          Type = "CTL_QUORUM_ACTIVATED"
	TypeQuorumEndorsement        Type = "QUORUM_ENDORSEMENT"
	TypeAgentAction              Type = "AGENT_ACTION"
	TypeAgentLearnedRule         Type = "AGENT_LEARNED_RULE"
	TypeRectificationProof       Type = "RECTIFICATION_PROOF"
	TypeRevokeProof              Type = "REVOKE_PROOF"
)

// Rectifiable reports whether events of type t may trigger rectification.
// Proof and revocation events never do.
func (t Type) Rectifiable() bool {
	return t != TypeRectificationProof && t != TypeRevokeProof
}
