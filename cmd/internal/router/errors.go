package router

import (
	"errors"
	"fmt"
)

// Precondition failures. Each one is surfaced verbatim to the caller.
var (
	ErrSessionStillActive     = errors.New("session still active")
	ErrUnauthorizedProgram    = errors.New("unauthorized program")
	ErrUnauthorizedOpcode     = errors.New("unauthorized opcode")
	ErrTooManyAllowedPrograms = errors.New("too many allowed programs")
	ErrTooManyAllowedOpcodes  = errors.New("too many allowed opcodes")
	ErrInvalidGridID          = errors.New("invalid grid id")
	ErrSessionExpired         = errors.New("session expired")
	ErrInvalidNonce           = errors.New("invalid nonce")
	ErrFeeCapExceeded         = errors.New("fee cap exceeded")
	ErrInsufficientFees       = errors.New("insufficient fees")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
)

// Host-level failures raised by the store or by input decoding.
var (
	// ErrAccountNotFound is returned when a referenced record does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating a record whose address is already in use.
	ErrAccountExists = errors.New("account already in use")

	// ErrInsufficientFunds is returned when a native transfer exceeds the source balance.
	ErrInsufficientFunds = errors.New("insufficient native funds")

	// ErrInvalidArgument is returned for inputs that cannot form a valid instruction
	// (zero ttl or fee cap, malformed message).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfig is returned for invalid router configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError attaches the failing operation to a sentinel Kind.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opError(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSessionStillActive, "session_still_active"},
	{ErrUnauthorizedProgram, "unauthorized_program"},
	{ErrUnauthorizedOpcode, "unauthorized_opcode"},
	{ErrTooManyAllowedPrograms, "too_many_allowed_programs"},
	{ErrTooManyAllowedOpcodes, "too_many_allowed_opcodes"},
	{ErrInvalidGridID, "invalid_grid_id"},
	{ErrSessionExpired, "session_expired"},
	{ErrInvalidNonce, "invalid_nonce"},
	{ErrFeeCapExceeded, "fee_cap_exceeded"},
	{ErrInsufficientFees, "insufficient_fees"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrAccountExists, "account_exists"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrConfig, "invalid_config"},
}

// Code returns the stable wire code for err: "ok" for nil, "internal" for
// errors outside the router taxonomy.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
