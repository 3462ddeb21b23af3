package sexpr

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content addressing.
// Version suffix enables future algorithm migration.
const (
	DomainPayload = "ulp/payload/v1"
	DomainEvent   = "ulp/event/v1"
	DomainProof   = "ulp/proof/v1"
)

// Hash computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data), hex encoded.
// The null byte keeps the domain/data boundary unambiguous.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue encodes v canonically and hashes it under domain.
func HashValue(domain string, v Value) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return Hash(domain, b), nil
}
