// Package account provides the 32-byte account identifiers used by the relay ledger.
//
// An ID is either an owner's ed25519 public key or a record address derived
// deterministically from a program id and seeds. The text form is base58.
package account
