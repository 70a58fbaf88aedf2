// Package api serves the ledger operations over HTTP JSON.
//
// Mutating requests are signed by the owner key; see Verifier.
package api
