package api

import (
	"northstar/cmd/account"
	"northstar/cmd/internal/router"
)

type openSessionRequest struct {
	GridID          uint64          `json:"grid_id"`
	AllowedPrograms []account.ID    `json:"allowed_programs"`
	AllowedOpcodes  []router.Opcode `json:"allowed_opcodes"`
	TTLSlots        uint64          `json:"ttl_slots"`
	FeeCap          uint64          `json:"fee_cap"`
}

type closeSessionRequest struct {
	GridID uint64 `json:"grid_id"`
}

type depositRequest struct {
	Amount uint64 `json:"amount"`
}

type sendMessageRequest struct {
	GridID    uint64         `json:"grid_id"`
	Msg       router.Message `json:"msg"`
	FeeBudget uint64         `json:"fee_budget"`
}

type airdropRequest struct {
	To     account.ID `json:"to"`
	Amount uint64     `json:"amount"`
}

type sessionResponse struct {
	Session router.Session `json:"session"`
}

type feeVaultResponse struct {
	FeeVault router.FeeVault `json:"fee_vault"`
}

type outboxResponse struct {
	Outbox router.Outbox `json:"outbox"`
}

type entryCommittedResponse struct {
	Entry router.EntryCommitted `json:"entry"`
}

type sessionClosedResponse struct {
	Closed router.SessionClosed `json:"closed"`
}

type lamportsResponse struct {
	Address  account.ID `json:"address"`
	Lamports uint64     `json:"lamports"`
}

type slotResponse struct {
	Slot uint64 `json:"slot"`
}
