package router

import (
	"encoding/binary"
	"fmt"

	"northstar/cmd/account"
)

// DefaultProgramID is the program id records are derived under unless configured.
const DefaultProgramID = "J6YB6HFjFecHKRvgfWwqa6sAr2DhR2k7ArvAd6NG7mBo"

// Config holds the ledger economics and the program id records are derived under.
type Config struct {
	ProgramID account.ID `yaml:"program_id"`
	Rent      Rent       `yaml:"rent"`
}

func DefaultConfig() Config {
	return Config{
		ProgramID: account.MustParse(DefaultProgramID),
		Rent:      DefaultRent(),
	}
}

// Validate rejects configs under which record creation could never succeed.
func (c Config) Validate() error {
	if c.ProgramID.IsZero() {
		return fmt.Errorf("%w: program id is required", ErrConfig)
	}
	for _, size := range []uint64{SessionSize, FeeVaultSize, OutboxSize} {
		if _, err := c.Rent.MinimumBalance(size); err != nil {
			return fmt.Errorf("%w: rent for %d-byte record overflows", ErrConfig, size)
		}
	}
	return nil
}

// SessionAddress derives the record address for the (owner, gridID) session.
func (c Config) SessionAddress(owner account.ID, gridID uint64) (account.ID, uint8, error) {
	var grid [8]byte
	binary.LittleEndian.PutUint64(grid[:], gridID)
	return account.FindAddress(c.ProgramID, []byte("session"), owner.Bytes(), grid[:])
}

func (c Config) FeeVaultAddress(owner account.ID) (account.ID, uint8, error) {
	return account.FindAddress(c.ProgramID, []byte("fee_vault"), owner.Bytes())
}

func (c Config) OutboxAddress(owner account.ID) (account.ID, uint8, error) {
	return account.FindAddress(c.ProgramID, []byte("outbox"), owner.Bytes())
}
