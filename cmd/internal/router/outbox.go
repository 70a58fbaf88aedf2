package router

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"northstar/cmd/account"
)

// Outbox is an owner's append-only commit log. It stores only the entry
// count and a running digest; entries themselves travel in events.
type Outbox struct {
	Address      account.ID `json:"address"`
	Authority    account.ID `json:"authority"`
	EntryCount   uint64     `json:"entry_count"`
	CommitDigest Hash       `json:"commit_digest"`
	Bump         uint8      `json:"bump"`
}

// Append folds entryID into the digest and returns the index it was
// committed at. The outbox is unchanged on error.
func (o *Outbox) Append(entryID Hash) (uint64, error) {
	if o.EntryCount == math.MaxUint64 {
		return 0, ErrArithmeticOverflow
	}
	index := o.EntryCount
	o.CommitDigest = ChainDigest(o.CommitDigest, index, entryID)
	o.EntryCount = index + 1
	return index, nil
}

// ChainDigest computes SHA-256(prev || index LE || entryID).
func ChainDigest(prev Hash, index uint64, entryID Hash) Hash {
	var buf [32 + 8 + 32]byte
	copy(buf[:32], prev[:])
	binary.LittleEndian.PutUint64(buf[32:40], index)
	copy(buf[40:], entryID[:])
	return sha256.Sum256(buf[:])
}

// ReplayDigest recomputes the digest of an outbox that committed ids in order.
func ReplayDigest(ids []Hash) Hash {
	var d Hash
	for i, id := range ids {
		d = ChainDigest(d, uint64(i), id)
	}
	return d
}

// Entry is one committed message. Sig is reserved for a relayer signature
// and is never part of the entry id.
type Entry struct {
	Owner     account.ID `json:"owner"`
	Session   account.ID `json:"session"`
	FeeBudget uint64     `json:"fee_budget"`
	Msg       Message    `json:"msg"`
	Sig       [64]byte   `json:"-"`
}

// ID returns SHA-256(owner || session || fee_budget LE || nonce LE || SHA-256(msg)).
func (e Entry) ID() (Hash, error) {
	body, err := EncodeMessage(e.Msg)
	if err != nil {
		return Hash{}, err
	}
	msgHash := sha256.Sum256(body)

	enc := &encoder{buf: make([]byte, 0, 32+32+8+16+32)}
	enc.id(e.Owner)
	enc.id(e.Session)
	enc.u64(e.FeeBudget)
	enc.nonce(e.Msg.Nonce)
	enc.buf = append(enc.buf, msgHash[:]...)
	return sha256.Sum256(enc.buf), nil
}
