package router

import "math/bits"

// Stored record sizes, in bytes, including the 8-byte type tag.
const (
	SessionSize  = 8 + 32 + 8 + (4 + 32*MaxAllowedPrograms) + (4 + MaxAllowedOpcodes) + 8 + 8 + 16 + 8 + 1
	FeeVaultSize = 8 + 32 + 8 + 1
	OutboxSize   = 8 + 32 + 8 + 32 + 1

	// accountOverhead is charged on top of every record's own size.
	accountOverhead = 128
)

// Rent prices record storage. A record holding MinimumBalance lamports is
// never collected.
type Rent struct {
	LamportsPerByteYear uint64 `yaml:"lamports_per_byte_year"`
	ExemptionYears      uint64 `yaml:"exemption_years"`
}

func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: 3480, ExemptionYears: 2}
}

// MinimumBalance returns (overhead + size) * rate * years.
func (r Rent) MinimumBalance(size uint64) (uint64, error) {
	hi, perYear := bits.Mul64(accountOverhead+size, r.LamportsPerByteYear)
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	hi, total := bits.Mul64(perYear, r.ExemptionYears)
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	return total, nil
}
