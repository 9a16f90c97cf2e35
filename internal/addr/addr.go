// Package addr derives deterministic storage addresses for pass entries.
//
// An address is a pure function of a namespace tag plus the identifying
// seeds of the entry it locates, so every protocol can find an entry
// without a lookup index. The trailing byte of the digest is returned as
// a derivation discriminant and recorded on the entry the address
// authorizes.
package addr

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind selects the entry namespace folded into the derivation. Identical
// raw seeds under different kinds never collide.
type Kind string

const (
	KindPassCollection Kind = "pass-collection"
	KindUserPass       Kind = "user-pass"
)

// MaxSeedLen bounds a single seed. Callers validate user-supplied names
// against it before deriving.
const MaxSeedLen = 32

// ErrSeedTooLong is returned when a seed exceeds the derivation capacity.
var ErrSeedTooLong = errors.New("addr: seed exceeds derivation capacity")

// Address is a hex-encoded 32-byte derived address.
type Address = string

// Derive computes the address for the given kind and seeds. The returned
// byte is the derivation discriminant ("bump") stored on the entry.
func Derive(kind Kind, seeds ...[]byte) (Address, uint8, error) {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	var frame [4]byte
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return "", 0, fmt.Errorf("%w (%d > %d bytes)", ErrSeedTooLong, len(seed), MaxSeedLen)
		}
		binary.BigEndian.PutUint32(frame[:], uint32(len(seed)))
		h.Write(frame[:])
		h.Write(seed)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), sum[len(sum)-1], nil
}

// ForCollection derives the address of a pass collection from its
// organizer wallet and name. The name is the only seed bounded by
// MaxSeedLen; wallet identities of any length are folded to a fixed
// 32-byte form first.
func ForCollection(organizer, name string) (Address, uint8, error) {
	return Derive(KindPassCollection, identitySeed(organizer), []byte(name))
}

// ForUserPass derives the address of a buyer's pass within a collection.
func ForUserPass(collection Address, buyer string) (Address, uint8, error) {
	return Derive(KindUserPass, identitySeed(collection), identitySeed(buyer))
}

// identitySeed normalizes a wallet or address string to seed capacity.
// Identities are opaque byte strings: two distinct strings must never
// fold to the same seed, so the only transformation is hashing down
// values that exceed MaxSeedLen.
func identitySeed(s string) []byte {
	if len(s) <= MaxSeedLen {
		return []byte(s)
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
