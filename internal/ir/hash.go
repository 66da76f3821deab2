package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayload prefixes payload digests.
// Version suffix enables future algorithm migration.
const DomainPayload = "agos/payload/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest computes the digest stored on a StateRecord for its metadata.
// Equal metadata (after NFC normalization) always yields the same digest.
func PayloadDigest(metadata map[string]string) (string, error) {
	canonical, err := MarshalCanonical(metadata)
	if err != nil {
		return "", fmt.Errorf("PayloadDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// MustPayloadDigest is like PayloadDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadDigest(metadata map[string]string) string {
	d, err := PayloadDigest(metadata)
	if err != nil {
		panic(err)
	}
	return d
}
