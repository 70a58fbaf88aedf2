// Package feed delivers committed ledger events to off-chain subscribers:
// an in-process hub fanning out to websocket clients and an optional Redis
// stream for durable consumers.
package feed
