package router

import (
	"encoding/binary"
	"fmt"

	"northstar/cmd/account"
)

// encoder writes the canonical byte form hashed into outbox entries:
// fixed-width little-endian integers, u32 length prefixes for sequences,
// and a one-byte tag for each sum type variant.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) nonce(n Nonce) {
	b := n.Bytes()
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) id(id account.ID) { e.buf = append(e.buf, id[:]...) }

func (e *encoder) hash(h Hash) { e.buf = append(e.buf, h[:]...) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

const (
	tagInvokeCall       uint8 = 0
	tagEmbeddedOpcode   uint8 = 1
	tagMirrorL1Accounts uint8 = 2
)

// EncodeMessage returns the canonical encoding of m.
func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	e := &encoder{buf: make([]byte, 0, 128)}
	e.u64(m.GridID)
	e.nonce(m.Nonce)
	e.u64(m.TTLSlots)

	switch in := m.Inner.(type) {
	case InvokeCall:
		e.u8(tagInvokeCall)
		e.id(in.TargetProgram)
		e.u32(uint32(len(in.Accounts)))
		for _, a := range in.Accounts {
			e.id(a.Pubkey)
			e.boolean(a.IsSigner)
			e.boolean(a.IsWritable)
		}
		e.bytes(in.Data)
	case EmbeddedOpcode:
		e.u8(tagEmbeddedOpcode)
		e.u8(uint8(in.Opcode))
		e.id(in.Params.InMint)
		e.id(in.Params.OutMint)
		e.u64(in.Params.AmountIn)
		e.u16(in.Params.SlippageBps)
		e.u64(in.Params.DeadlineSlot)
		e.hash(in.Params.ExpectedPlanHash)
	case MirrorL1Accounts:
		e.u8(tagMirrorL1Accounts)
		e.u32(uint32(len(in.Accounts)))
		for _, a := range in.Accounts {
			e.id(a)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported message body %T", ErrInvalidArgument, m.Inner)
	}
	return e.buf, nil
}
