package router

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"northstar/cmd/account"
)

// Opcode names an embedded operation the remote grid executes natively.
type Opcode uint8

const (
	OpcodeSwap Opcode = 0
)

var opcodeNames = map[Opcode]string{
	OpcodeSwap: "swap",
}

func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

func (o Opcode) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidArgument, uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Opcode) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for op, name := range opcodeNames {
		if name == s {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("%w: unknown opcode %q", ErrInvalidArgument, s)
}

// Hash is a 32-byte digest, rendered as lowercase hex.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(len(h)) {
		return fmt.Errorf("%w: hash must be %d hex chars", ErrInvalidArgument, hex.EncodedLen(len(h)))
	}
	var out Hash
	if _, err := hex.Decode(out[:], b); err != nil {
		return fmt.Errorf("%w: hash: %v", ErrInvalidArgument, err)
	}
	*h = out
	return nil
}

// AccountMeta describes one account touched by an invoked program.
type AccountMeta struct {
	Pubkey     account.ID `json:"pubkey"`
	IsSigner   bool       `json:"is_signer"`
	IsWritable bool       `json:"is_writable"`
}

// SwapParams carries the arguments of an embedded swap.
type SwapParams struct {
	InMint           account.ID `json:"in_mint"`
	OutMint          account.ID `json:"out_mint"`
	AmountIn         uint64     `json:"amount_in"`
	SlippageBps      uint16     `json:"slippage_bps"`
	DeadlineSlot     uint64     `json:"deadline_slot"`
	ExpectedPlanHash Hash       `json:"expected_plan_hash"`
}

// MsgKind discriminates the shapes of a message body.
type MsgKind string

const (
	KindInvokeCall       MsgKind = "invoke_call"
	KindEmbeddedOpcode   MsgKind = "embedded_opcode"
	KindMirrorL1Accounts MsgKind = "mirror_l1_accounts"
)

// Inner is the body of a Message. The set of implementations is closed:
// InvokeCall, EmbeddedOpcode and MirrorL1Accounts.
type Inner interface {
	Kind() MsgKind
	inner()
}

// InvokeCall asks the grid to invoke TargetProgram with Accounts and Data.
type InvokeCall struct {
	TargetProgram account.ID    `json:"target_program"`
	Accounts      []AccountMeta `json:"accounts"`
	Data          []byte        `json:"data"`
}

// EmbeddedOpcode asks the grid to run a native opcode.
type EmbeddedOpcode struct {
	Opcode Opcode     `json:"opcode"`
	Params SwapParams `json:"params"`
}

// MirrorL1Accounts asks the grid to mirror the listed ledger accounts.
type MirrorL1Accounts struct {
	Accounts []account.ID `json:"accounts"`
}

func (InvokeCall) Kind() MsgKind       { return KindInvokeCall }
func (EmbeddedOpcode) Kind() MsgKind   { return KindEmbeddedOpcode }
func (MirrorL1Accounts) Kind() MsgKind { return KindMirrorL1Accounts }

func (InvokeCall) inner()       {}
func (EmbeddedOpcode) inner()   {}
func (MirrorL1Accounts) inner() {}

const (
	MaxInvokeAccounts = 64
	MaxInvokeData     = 10 * 1024
	MaxMirrorAccounts = 64
)

// Message is the payload a session owner submits for relay.
type Message struct {
	GridID   uint64 `json:"grid_id"`
	Nonce    Nonce  `json:"nonce"`
	TTLSlots uint64 `json:"ttl_slots"`
	Inner    Inner  `json:"-"`
}

// Validate rejects messages that cannot be encoded as an instruction.
func (m Message) Validate() error {
	switch in := m.Inner.(type) {
	case InvokeCall:
		if len(in.Accounts) > MaxInvokeAccounts {
			return fmt.Errorf("%w: invoke_call has %d accounts, max %d", ErrInvalidArgument, len(in.Accounts), MaxInvokeAccounts)
		}
		if len(in.Data) > MaxInvokeData {
			return fmt.Errorf("%w: invoke_call data is %d bytes, max %d", ErrInvalidArgument, len(in.Data), MaxInvokeData)
		}
	case EmbeddedOpcode:
		if !in.Opcode.Valid() {
			return fmt.Errorf("%w: unknown opcode %d", ErrInvalidArgument, uint8(in.Opcode))
		}
	case MirrorL1Accounts:
		if len(in.Accounts) > MaxMirrorAccounts {
			return fmt.Errorf("%w: mirror_l1_accounts has %d accounts, max %d", ErrInvalidArgument, len(in.Accounts), MaxMirrorAccounts)
		}
	case nil:
		return fmt.Errorf("%w: message body is missing", ErrInvalidArgument)
	default:
		return fmt.Errorf("%w: unsupported message body %T", ErrInvalidArgument, m.Inner)
	}
	return nil
}

type messageJSON struct {
	GridID   uint64          `json:"grid_id"`
	Nonce    Nonce           `json:"nonce"`
	TTLSlots uint64          `json:"ttl_slots"`
	Inner    json.RawMessage `json:"inner"`
}

type innerHeader struct {
	Kind MsgKind `json:"kind"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Inner == nil {
		return nil, fmt.Errorf("%w: message body is missing", ErrInvalidArgument)
	}
	var (
		inner []byte
		err   error
	)
	switch in := m.Inner.(type) {
	case InvokeCall:
		inner, err = json.Marshal(struct {
			Kind MsgKind `json:"kind"`
			InvokeCall
		}{in.Kind(), in})
	case EmbeddedOpcode:
		inner, err = json.Marshal(struct {
			Kind MsgKind `json:"kind"`
			EmbeddedOpcode
		}{in.Kind(), in})
	case MirrorL1Accounts:
		inner, err = json.Marshal(struct {
			Kind MsgKind `json:"kind"`
			MirrorL1Accounts
		}{in.Kind(), in})
	default:
		return nil, fmt.Errorf("%w: unsupported message body %T", ErrInvalidArgument, m.Inner)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		GridID:   m.GridID,
		Nonce:    m.Nonce,
		TTLSlots: m.TTLSlots,
		Inner:    inner,
	})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Inner) == 0 {
		return fmt.Errorf("%w: message body is missing", ErrInvalidArgument)
	}
	var head innerHeader
	if err := json.Unmarshal(raw.Inner, &head); err != nil {
		return err
	}

	var inner Inner
	switch head.Kind {
	case KindInvokeCall:
		var v InvokeCall
		if err := json.Unmarshal(raw.Inner, &v); err != nil {
			return err
		}
		inner = v
	case KindEmbeddedOpcode:
		var v EmbeddedOpcode
		if err := json.Unmarshal(raw.Inner, &v); err != nil {
			return err
		}
		inner = v
	case KindMirrorL1Accounts:
		var v MirrorL1Accounts
		if err := json.Unmarshal(raw.Inner, &v); err != nil {
			return err
		}
		inner = v
	default:
		return fmt.Errorf("%w: unknown message kind %q", ErrInvalidArgument, head.Kind)
	}

	*m = Message{
		GridID:   raw.GridID,
		Nonce:    raw.Nonce,
		TTLSlots: raw.TTLSlots,
		Inner:    inner,
	}
	return nil
}
