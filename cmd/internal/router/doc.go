// Package router implements the relay ledger core: sessions, fee vaults,
// message authorization and the append-only outbox.
//
// Every operation on Service runs as one unit of work inside Store.Update.
// Preconditions are checked before any record is written, and a failed
// operation leaves every record unchanged. The store serializes writers per
// owner, so the code in this package never locks.
//
// Transport, signing, and the real execution of messages on the remote grid
// are out of scope here.
package router
