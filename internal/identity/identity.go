// Package identity holds a peer's ed25519 key pair. The hex-encoded public
// key is the peer's durable identifier; the private half never leaves the
// process except through PersistedKey.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// EnvPrefix marks a secret that names an environment variable holding the
// hex-encoded seed instead of the seed itself.
const EnvPrefix = "USE_ENV:"

var (
	// ErrMissingEnv is returned when a USE_ENV: reference names an unset variable.
	ErrMissingEnv = errors.New("identity: referenced environment variable is not set")
	// ErrInvalidEnvName is returned for USE_ENV: references with illegal names.
	ErrInvalidEnvName = errors.New("identity: invalid environment variable name")
	// ErrInvalidKey is returned for seeds that are not 32 hex-encoded bytes.
	ErrInvalidKey = errors.New("identity: invalid private key")
)

var envName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// KeyPair signs on behalf of one peer.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	// ref is the USE_ENV: reference the key was loaded from, if any.
	ref string
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// FromSeed derives the key pair for a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Resolve loads a key from its persisted form: either a hex seed or
// USE_ENV:NAME, in which case the seed is read from the environment.
func Resolve(secret string) (*KeyPair, error) {
	return ResolveWith(secret, os.LookupEnv)
}

// ResolveWith is Resolve with an explicit environment lookup.
func ResolveWith(secret string, lookup func(string) (string, bool)) (*KeyPair, error) {
	ref := ""
	if name, ok := strings.CutPrefix(secret, EnvPrefix); ok {
		if !envName.MatchString(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
		}
		val, found := lookup(name)
		if !found || val == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingEnv, name)
		}
		ref = secret
		secret = val
	}

	seed, err := hex.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	kp.ref = ref
	return kp, nil
}

// ID returns the hex-encoded public key.
func (k *KeyPair) ID() string {
	return hex.EncodeToString(k.public)
}

// PublicKey returns the raw public key.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.public
}

// Sign signs msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// PersistedKey returns the form to write to disk: the original USE_ENV:
// reference when the key came from the environment, otherwise the hex seed.
func (k *KeyPair) PersistedKey() string {
	if k.ref != "" {
		return k.ref
	}
	return hex.EncodeToString(k.private.Seed())
}

// Verify checks sig over msg against the hex public key id.
// Malformed ids verify as false.
func Verify(id string, msg, sig []byte) bool {
	pub, err := hex.DecodeString(id)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
