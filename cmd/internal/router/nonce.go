package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"lukechampine.com/uint128"
)

// Nonce is the unsigned 128-bit replay counter of a session.
// On the wire it is a decimal string so no JSON decoder truncates it.
type Nonce struct {
	v uint128.Uint128
}

// MaxNonce is the largest representable nonce; a session at MaxNonce cannot send again.
var MaxNonce = Nonce{v: uint128.Max}

func NonceFrom64(n uint64) Nonce { return Nonce{v: uint128.From64(n)} }

// ParseNonce parses a base-10 nonce.
func ParseNonce(s string) (Nonce, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return Nonce{}, fmt.Errorf("%w: nonce %q is not an unsigned decimal", ErrInvalidArgument, s)
	}
	v, err := uint128.FromString(s)
	if err != nil {
		return Nonce{}, fmt.Errorf("%w: nonce %q: %v", ErrInvalidArgument, s, err)
	}
	return Nonce{v: v}, nil
}

// Next returns n+1, or ErrArithmeticOverflow at MaxNonce.
func (n Nonce) Next() (Nonce, error) {
	if n.v.Equals(uint128.Max) {
		return Nonce{}, ErrArithmeticOverflow
	}
	return Nonce{v: n.v.AddWrap64(1)}, nil
}

func (n Nonce) Equal(o Nonce) bool { return n.v.Equals(o.v) }

func (n Nonce) IsZero() bool { return n.v.IsZero() }

func (n Nonce) String() string { return n.v.String() }

// Bytes returns the 16-byte little-endian form.
func (n Nonce) Bytes() [16]byte {
	var out [16]byte
	n.v.PutBytes(out[:])
	return out
}

func (n Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (n *Nonce) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: nonce is required", ErrInvalidArgument)
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := ParseNonce(s)
	if err != nil {
		return err
	}
	*n = v
	return nil
}
