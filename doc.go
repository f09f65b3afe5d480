// Package syncache keeps a duplicate-free, in-memory mirror of a remote
// collection of deduction records and republishes the full record set after
// every change.
//
// Records are deduplicated by an identity key derived from case number,
// amount, date and counterparty. The mirror is seeded with one bulk read and
// then follows a single change stream (added/changed/removed) consumed by one
// dispatch goroutine. Mutations go through the manager, which serializes them
// and writes with create-if-absent so concurrent creators cannot both win.
//
// Components:
//   - remote.Store: the realtime document store (memory, Redis, Postgres).
//   - Slot: local persistent snapshot of all records (see package snapshot).
//   - Notifier: UI fan-out of every published snapshot (see package notify).
//
// Paths:
//
//	legal_data/deductions/payments/deduction_<id>  - records
//	legal_data/cases/active/<key>                  - case aggregates
package syncache
