package account

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
)

// Size is the byte length of an account id.
const Size = 32

// ErrInvalidID is returned when text or bytes do not form a 32-byte account id.
var ErrInvalidID = errors.New("invalid account id")

// ID is a 32-byte account identifier.
type ID [Size]byte

// Zero is the all-zero id. It never identifies a real owner.
var Zero ID

// FromBytes copies b into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromPublicKey converts an ed25519 public key into an owner id.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	return FromBytes(pub)
}

// Parse decodes a base58 account id.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromBytes(b)
}

// MustParse is Parse for package-level constants. It panics on bad input.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return base58.Encode(id[:]) }

// IsZero reports whether id is the zero id.
func (id ID) IsZero() bool { return id == Zero }

// Bytes returns a copy of the raw id bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// PublicKey interprets id as an ed25519 public key.
func (id ID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id.Bytes())
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
