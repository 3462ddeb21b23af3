// Package car implements continuous axiomatic rectification: a bounded
// proof-of-work search that links a newly accepted event to an older one,
// plus the checks a receiver applies to such proofs.
package car

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/ulp/internal/event"
	"github.com/roach88/ulp/internal/harmonic"
	"github.com/roach88/ulp/internal/identity"
)

const (
	// DefaultTTL is how long a proof stays valid after creation.
	DefaultTTL = 5 * time.Minute

	// cancelCheckInterval is how many nonces are tried between ctx checks.
	cancelCheckInterval = 1024
)

var (
	ErrRevoked        = errors.New("car: rectified event has been revoked")
	ErrExpired        = errors.New("car: proof expired")
	ErrProofSignature = errors.New("car: invalid proof signature")
	ErrProofWork      = errors.New("car: proof hash does not match the referenced units")
)

// MaxNonce is the search cap per consensus level.
func MaxNonce(level event.ConsensusLevel) int64 {
	switch level {
	case event.LevelPeerToPeer:
		return 5000
	case event.LevelGroup:
		return 10000
	case event.LevelGlobal:
		return 50000
	default:
		return 1000
	}
}

// ShouldRectify is the deterministic ~10% trigger: the first 16 bits of
// sha256(harmonicID + identityID), mod 10, must be 0.
func ShouldRectify(harmonicID, identityID string) bool {
	sum := sha256.Sum256([]byte(harmonicID + identityID))
	v := int(sum[0])<<8 | int(sum[1])
	return v%10 < 1
}

// Difficulty returns the centroid of the two units' vectors and the
// modulus a proof hash must be divisible by. The shorter vector is
// zero-padded so units of any length can be combined.
func Difficulty(rectifying, rectified harmonic.Unit) ([]float64, int64) {
	n := max(len(rectifying.Vector), len(rectified.Vector))
	centroid, _ := harmonic.Centroid([][]float64{
		harmonic.PadTo(rectifying.Vector, n),
		harmonic.PadTo(rectified.Vector, n),
	})

	combined := rectifying.Signature.H + rectified.Signature.H
	for _, x := range centroid {
		combined += x
	}
	return centroid, int64(math.Floor(math.Mod(combined, 19))) + 3
}

// ProofHash is sha256 over "rectifying-rectified-centroid-nonce", with the
// centroid components comma-joined.
func ProofHash(rectifyingID, rectifiedID string, centroid []float64, nonce int64) string {
	parts := make([]string, len(centroid))
	for i, x := range centroid {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	msg := fmt.Sprintf("%s-%s-%s-%d", rectifyingID, rectifiedID, strings.Join(parts, ","), nonce)
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])
}

// meetsDifficulty reads the first 32 bits of the hex hash.
func meetsDifficulty(hash string, modulus int64) bool {
	if len(hash) < 8 {
		return false
	}
	v, err := strconv.ParseUint(hash[:8], 16, 32)
	if err != nil {
		return false
	}
	return int64(v)%modulus == 0
}

// Rectifier generates signed proofs for one peer.
type Rectifier struct {
	signer   event.Signer
	now      func() time.Time
	ttl      time.Duration
	maxNonce func(event.ConsensusLevel) int64
}

// Option configures a Rectifier.
type Option func(*Rectifier)

// WithClock sets the time source used for proof timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Rectifier) { r.now = now }
}

// WithTTL sets the proof lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Rectifier) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNonceLimit replaces MaxNonce as the per-level search cap.
func WithNonceLimit(limit func(event.ConsensusLevel) int64) Option {
	return func(r *Rectifier) {
		if limit != nil {
			r.maxNonce = limit
		}
	}
}

// NewRectifier creates a rectifier signing as signer.
func NewRectifier(signer event.Signer, opts ...Option) *Rectifier {
	r := &Rectifier{signer: signer, now: time.Now, ttl: DefaultTTL, maxNonce: MaxNonce}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate searches nonces 0 through the level's cap for a hash divisible by the
// units' difficulty modulus. Exhausting the search returns (nil, nil).
// Only a cancelled ctx or a signing failure is an error.
func (r *Rectifier) Generate(ctx context.Context, rectifying, rectified harmonic.Unit, level event.ConsensusLevel) (*event.RectificationProof, error) {
	centroid, modulus := Difficulty(rectifying, rectified)
	limit := r.maxNonce(level)

	for nonce := int64(0); nonce <= limit; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hash := ProofHash(rectifying.EventID, rectified.EventID, centroid, nonce)
		if !meetsDifficulty(hash, modulus) {
			continue
		}

		now := r.now()
		proof := event.RectificationProof{
			RectifiedEventID:    rectified.EventID,
			RectifyingEventID:   rectifying.EventID,
			ProofHash:           hash,
			Nonce:               nonce,
			Timestamp:           now.UnixMilli(),
			ExpirationTimestamp: now.Add(r.ttl).UnixMilli(),
			SignerIdentity:      r.signer.ID(),
		}
		msg, err := proof.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("car: encode proof: %w", err)
		}
		proof.Signature = r.signer.Sign(msg)
		return &proof, nil
	}
	return nil, nil
}

// Verify applies the receiver checks in order: revocation, expiry,
// signature. It does not recompute the work; see CheckWork.
func Verify(p event.RectificationProof, now time.Time, revoked *RevocationSet) error {
	if revoked != nil && revoked.Contains(p.RectifiedEventID) {
		return fmt.Errorf("%w: %s", ErrRevoked, p.RectifiedEventID)
	}
	if now.UnixMilli() > p.ExpirationTimestamp {
		return fmt.Errorf("%w at %s", ErrExpired, time.UnixMilli(p.ExpirationTimestamp).UTC().Format(time.RFC3339))
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return fmt.Errorf("car: encode proof: %w", err)
	}
	if !identity.Verify(p.SignerIdentity, msg, p.Signature) {
		return ErrProofSignature
	}
	return nil
}

// CheckWork recomputes the proof hash from the referenced units.
func CheckWork(p event.RectificationProof, rectifying, rectified harmonic.Unit) error {
	centroid, modulus := Difficulty(rectifying, rectified)
	hash := ProofHash(p.RectifyingEventID, p.RectifiedEventID, centroid, p.Nonce)
	if hash != p.ProofHash || !meetsDifficulty(hash, modulus) {
		return ErrProofWork
	}
	return nil
}
