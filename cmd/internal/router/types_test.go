package router

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"northstar/cmd/account"
)

func TestNonce_NextAndOverflow(t *testing.T) {
	t.Parallel()

	n, err := NonceFrom64(41).Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n.String() != "42" {
		t.Fatalf("next=%s want=42", n)
	}
	if _, err := MaxNonce.Next(); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("max: err=%v want=%v", err, ErrArithmeticOverflow)
	}
}

func TestNonce_JSON(t *testing.T) {
	t.Parallel()

	const big = "340282366920938463463374607431768211455"
	var n Nonce
	if err := json.Unmarshal([]byte(`"`+big+`"`), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !n.Equal(MaxNonce) {
		t.Fatalf("nonce=%s want max", n)
	}
	if err := json.Unmarshal([]byte(`7`), &n); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	b, _ := json.Marshal(n)
	if string(b) != `"7"` {
		t.Fatalf("marshal=%s want=\"7\"", b)
	}

	for _, bad := range []string{`"-1"`, `"abc"`, `null`, `"340282366920938463463374607431768211456"`} {
		if err := json.Unmarshal([]byte(bad), &n); err == nil {
			t.Fatalf("unmarshal %s: expected error", bad)
		}
	}
}

func TestMessage_JSON(t *testing.T) {
	t.Parallel()

	target := account.ID{7}
	msgs := []Message{
		{GridID: 1, Nonce: NonceFrom64(2), TTLSlots: 3, Inner: InvokeCall{
			TargetProgram: target,
			Accounts:      []AccountMeta{{Pubkey: target, IsWritable: true}},
			Data:          []byte("hi"),
		}},
		{GridID: 1, Nonce: NonceFrom64(2), Inner: EmbeddedOpcode{Opcode: OpcodeSwap, Params: SwapParams{AmountIn: 5, SlippageBps: 30}}},
		{GridID: 1, Nonce: NonceFrom64(2), Inner: MirrorL1Accounts{Accounts: []account.ID{target}}},
	}

	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal %s: %v", m.Inner.Kind(), err)
		}
		if !strings.Contains(string(b), `"kind":"`+string(m.Inner.Kind())+`"`) {
			t.Fatalf("marshal %s: missing kind in %s", m.Inner.Kind(), b)
		}
		var back Message
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", m.Inner.Kind(), err)
		}
		want, _ := EncodeMessage(m)
		got, err := EncodeMessage(back)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Inner.Kind(), err)
		}
		if string(got) != string(want) {
			t.Fatalf("%s: canonical form changed across JSON", m.Inner.Kind())
		}
	}
}

func TestMessage_UnmarshalRejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{"grid_id":1,"nonce":"0","ttl_slots":1}`,
		`{"grid_id":1,"nonce":"0","ttl_slots":1,"inner":{"kind":"teleport"}}`,
		`{"grid_id":1,"nonce":"0","ttl_slots":1,"inner":{"kind":"embedded_opcode","opcode":"fly"}}`,
	}
	for _, in := range cases {
		var m Message
		if err := json.Unmarshal([]byte(in), &m); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("unmarshal %s: err=%v want=%v", in, err, ErrInvalidArgument)
		}
	}
}

func TestMessage_Validate(t *testing.T) {
	t.Parallel()

	tooMany := make([]AccountMeta, MaxInvokeAccounts+1)
	cases := []struct {
		name string
		in   Inner
		ok   bool
	}{
		{name: "invoke", in: InvokeCall{}, ok: true},
		{name: "invoke too many accounts", in: InvokeCall{Accounts: tooMany}},
		{name: "invoke data too large", in: InvokeCall{Data: make([]byte, MaxInvokeData+1)}},
		{name: "unknown opcode", in: EmbeddedOpcode{Opcode: Opcode(200)}},
		{name: "mirror", in: MirrorL1Accounts{}, ok: true},
		{name: "nil", in: nil},
	}
	for _, tc := range cases {
		err := Message{Inner: tc.in}.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: err=%v want=%v", tc.name, err, ErrInvalidArgument)
		}
	}
}

func TestEncodeMessage_Layout(t *testing.T) {
	t.Parallel()

	m := Message{GridID: 1, Nonce: NonceFrom64(2), TTLSlots: 3, Inner: MirrorL1Accounts{Accounts: []account.ID{{5}}}}
	b, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// grid u64 + nonce u128 + ttl u64 + tag + u32 len + one id
	if want := 8 + 16 + 8 + 1 + 4 + 32; len(b) != want {
		t.Fatalf("len=%d want=%d", len(b), want)
	}
	if b[0] != 1 || b[8] != 2 || b[24] != 3 || b[32] != tagMirrorL1Accounts || b[33] != 1 || b[37] != 5 {
		t.Fatalf("unexpected layout: %x", b)
	}
}
