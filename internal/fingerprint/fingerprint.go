// Package fingerprint provides the opaque, combinable integrity digests attached
// to price observations. Digests are treated as fingerprints, not as verified
// cryptographic commitments.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Size is the length in bytes of every digest handled by the engine.
const Size = 32

// Digest is a fixed-size integrity fingerprint.
type Digest [Size]byte

// Zero is the empty digest, used before any fingerprint has been folded in.
var Zero Digest

// New computes the digest of an arbitrary payload using Keccak256
// (the Ethereum standard hash used across the data path).
func New(payload []byte) Digest {
	var d Digest
	copy(d[:], crypto.Keccak256(payload))
	return d
}

// Fold combines two digests into one. The operation is deterministic and
// order-sensitive: confirmations fold in arrival order.
func Fold(acc, extra Digest) Digest {
	var d Digest
	copy(d[:], crypto.Keccak256(acc[:], extra[:]))
	return d
}

// Checksum returns the SHA-256 checksum of a payload. Used for the redundant
// integrity field on exported notifications.
func Checksum(payload []byte) Digest {
	return Digest(sha256.Sum256(payload))
}

// FromHex parses a hex-encoded digest, with or without a 0x prefix.
func FromHex(s string) (Digest, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid fingerprint encoding: %w", err)
	}
	if len(raw) != Size {
		return Zero, fmt.Errorf("invalid fingerprint length: got %d bytes, want %d", len(raw), Size)
	}

	var d Digest
	copy(d[:], raw)
	return d, nil
}

// Hex returns the 0x-prefixed hex encoding of the digest.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the empty digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}
