package router

import (
	"math/bits"

	"northstar/cmd/account"
)

// FeeVault is an owner's prepaid fee balance. There is one per owner,
// shared by every session that owner opens.
type FeeVault struct {
	Address   account.ID `json:"address"`
	Authority account.ID `json:"authority"`
	Balance   uint64     `json:"balance"`
	Bump      uint8      `json:"bump"`
}

// Deposit adds amount to the balance, failing on overflow.
func (v *FeeVault) Deposit(amount uint64) error {
	sum, carry := bits.Add64(v.Balance, amount, 0)
	if carry != 0 {
		return ErrArithmeticOverflow
	}
	v.Balance = sum
	return nil
}

// Withdraw removes amount from the balance, failing if it would go negative.
func (v *FeeVault) Withdraw(amount uint64) error {
	if !v.HasSufficientBalance(amount) {
		return ErrInsufficientFees
	}
	v.Balance -= amount
	return nil
}

func (v FeeVault) HasSufficientBalance(amount uint64) bool {
	return v.Balance >= amount
}
