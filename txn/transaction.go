// Package txn is a transaction layer for an ordered, multi-version
// key-value store. It groups reads and writes into an atomic unit with
// either pessimistic (lock-based) or optimistic (validate-at-commit)
// concurrency control, on top of a Store it never mutates internally.
package txn

import (
	"time"

	"go.uber.org/atomic"
)

// Transaction is the public handle returned by both coordinator DBs. A
// Transaction is used by one goroutine at a time; many transactions across
// many goroutines run concurrently against the shared lock table and store.
//
// After Commit or Rollback the transaction is terminal and every further
// operation fails with ErrInvalidArgument; begin a fresh transaction per
// logical unit of work.
type Transaction interface {
	GetID() uint64

	Put(cf ColumnFamilyID, key, value []byte) error
	PutUntracked(cf ColumnFamilyID, key, value []byte) error
	Delete(cf ColumnFamilyID, key []byte) error
	DeleteUntracked(cf ColumnFamilyID, key []byte) error
	Merge(cf ColumnFamilyID, key, value []byte) error
	MergeUntracked(cf ColumnFamilyID, key, value []byte) error

	Get(cf ColumnFamilyID, key []byte) ([]byte, error)
	GetForUpdate(cf ColumnFamilyID, key []byte, wantValue bool) ([]byte, error)
	MultiGet(cf ColumnFamilyID, keys [][]byte) ([][]byte, []error)
	MultiGetForUpdate(cf ColumnFamilyID, keys [][]byte) ([][]byte, []error)

	SetSnapshot()
	GetSnapshot() Snapshot

	SetSavePoint()
	RollbackToSavePoint() error

	// SetLockTimeout overrides the lock timeout (in milliseconds) for
	// subsequent lock acquisitions. No-op for optimistic transactions.
	SetLockTimeout(ms int64)

	Commit() error
	Rollback() error

	GetNumKeys() uint64
	GetNumPuts() uint64
	GetNumDeletes() uint64
	GetNumMerges() uint64
	GetElapsedTime() time.Duration
}

// txnIDCounter allocates process-wide unique transaction IDs. Sequence
// numbers and transaction IDs both rely on never being reused.
var txnIDCounter atomic.Uint64

func newTxnID() uint64 {
	return txnIDCounter.Inc()
}
