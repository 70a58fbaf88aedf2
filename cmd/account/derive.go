package account

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// CanonicalBump is the derivation tag recorded on every derived record.
	CanonicalBump uint8 = 255

	// MaxSeeds bounds the number of seeds (the bump included).
	MaxSeeds = 16
	// MaxSeedLen bounds the byte length of a single seed.
	MaxSeedLen = 32

	derivedMarker = "ProgramDerivedAddress"
)

// ErrSeed is returned for seeds that exceed derivation limits.
var ErrSeed = errors.New("invalid derivation seed")

// Derive hashes seeds and the program id into a record address:
// SHA-256(seeds... || program || "ProgramDerivedAddress").
func Derive(program ID, seeds ...[]byte) (ID, error) {
	if len(seeds) > MaxSeeds {
		return ID{}, fmt.Errorf("%w: %d seeds", ErrSeed, len(seeds))
	}

	h := sha256.New()
	for i, s := range seeds {
		if len(s) > MaxSeedLen {
			return ID{}, fmt.Errorf("%w: seed %d is %d bytes", ErrSeed, i, len(s))
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivedMarker))

	var out ID
	copy(out[:], h.Sum(nil))
	return out, nil
}

// FindAddress derives the address for seeds with the canonical bump appended
// and returns it together with the bump.
func FindAddress(program ID, seeds ...[]byte) (ID, uint8, error) {
	all := make([][]byte, 0, len(seeds)+1)
	all = append(all, seeds...)
	all = append(all, []byte{CanonicalBump})

	addr, err := Derive(program, all...)
	if err != nil {
		return ID{}, 0, err
	}
	return addr, CanonicalBump, nil
}
