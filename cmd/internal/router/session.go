package router

import (
	"math"
	"slices"

	"northstar/cmd/account"
)

const (
	MaxAllowedPrograms = 10
	MaxAllowedOpcodes  = 10
)

// SessionKey identifies a session: at most one live session per (owner, grid).
type SessionKey struct {
	Owner  account.ID
	GridID uint64
}

// Session is a bounded-lifetime authorization to relay messages to one grid.
type Session struct {
	Address         account.ID   `json:"address"`
	Owner           account.ID   `json:"owner"`
	GridID          uint64       `json:"grid_id"`
	AllowedPrograms []account.ID `json:"allowed_programs"`
	AllowedOpcodes  []Opcode     `json:"allowed_opcodes"`
	TTLSlots        uint64       `json:"ttl_slots"`
	FeeCap          uint64       `json:"fee_cap"`
	Nonce           Nonce        `json:"nonce"`
	CreatedAt       uint64       `json:"created_at"`
	Bump            uint8        `json:"bump"`
}

func (s Session) Key() SessionKey { return SessionKey{Owner: s.Owner, GridID: s.GridID} }

// ExpiresAt is the last slot at which the session is live. It saturates at
// the maximum slot instead of wrapping.
func (s Session) ExpiresAt() uint64 {
	if s.TTLSlots > math.MaxUint64-s.CreatedAt {
		return math.MaxUint64
	}
	return s.CreatedAt + s.TTLSlots
}

func (s Session) IsExpired(current uint64) bool {
	return current > s.ExpiresAt()
}

// IsProgramAllowed reports whether p may be invoked. An empty list allows all.
func (s Session) IsProgramAllowed(p account.ID) bool {
	return len(s.AllowedPrograms) == 0 || slices.Contains(s.AllowedPrograms, p)
}

// IsOpcodeAllowed reports whether op may be embedded. An empty list allows all.
func (s Session) IsOpcodeAllowed(op Opcode) bool {
	return len(s.AllowedOpcodes) == 0 || slices.Contains(s.AllowedOpcodes, op)
}

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	s.AllowedPrograms = slices.Clone(s.AllowedPrograms)
	s.AllowedOpcodes = slices.Clone(s.AllowedOpcodes)
	return s
}
