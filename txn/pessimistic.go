package txn

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// TransactionDB is the pessimistic coordinator: it owns the lock table and
// wraps plain non-transactional writes in implicit transactions so they
// cannot race with explicit ones.
type TransactionDB struct {
	store     Store
	opts      TransactionDBOptions
	lockTable *lockTable
}

// NewTransactionDB wraps store with pessimistic transaction support. The
// default column family is registered with the lock table; additional
// column families must be created through CreateColumnFamily so the lock
// table learns about them.
func NewTransactionDB(store Store, opts TransactionDBOptions) *TransactionDB {
	lt := newLockTable(opts.NumStripes, opts.MaxNumLocks)
	lt.addColumnFamily(DefaultColumnFamilyID)
	return &TransactionDB{
		store:     store,
		opts:      opts,
		lockTable: lt,
	}
}

func (db *TransactionDB) BeginTransaction(writeOpts WriteOptions, txnOpts TransactionOptions) Transaction {
	return db.beginTxn(writeOpts, txnOpts)
}

func (db *TransactionDB) beginTxn(writeOpts WriteOptions, txnOpts TransactionOptions) *pessimisticTransaction {
	t := &pessimisticTransaction{
		db:        db,
		id:        newTxnID(),
		writeOpts: writeOpts,
	}
	t.init(db.store, t)

	t.lockTimeoutMs = txnOpts.LockTimeout
	if t.lockTimeoutMs < 0 {
		t.lockTimeoutMs = db.opts.TransactionLockTimeout
	}
	if txnOpts.Expiration >= 0 {
		t.expiresAt = t.startTime.Add(time.Duration(txnOpts.Expiration) * time.Millisecond)
	}
	if txnOpts.SetSnapshot {
		t.SetSnapshot()
	}
	return t
}

// beginInternal builds the ephemeral transaction used for plain writes,
// with the DB-wide default lock timeout.
func (db *TransactionDB) beginInternal(writeOpts WriteOptions) *pessimisticTransaction {
	t := db.beginTxn(writeOpts, DefaultTransactionOptions)
	t.lockTimeoutMs = db.opts.DefaultLockTimeout
	return t
}

// Get reads directly from the store, bypassing any transaction.
func (db *TransactionDB) Get(snap Snapshot, cf ColumnFamilyID, key []byte) ([]byte, error) {
	return db.store.Get(snap, cf, key)
}

func (db *TransactionDB) GetSnapshot() Snapshot         { return db.store.GetSnapshot() }
func (db *TransactionDB) ReleaseSnapshot(snap Snapshot) { db.store.ReleaseSnapshot(snap) }

// Put is a non-transactional write. It still locks the key through the
// shared lock table so it cannot race with an explicit transaction.
func (db *TransactionDB) Put(writeOpts WriteOptions, cf ColumnFamilyID, key, value []byte) error {
	return db.writeSingle(writeOpts, func(t *pessimisticTransaction) error {
		return t.PutUntracked(cf, key, value)
	})
}

func (db *TransactionDB) Delete(writeOpts WriteOptions, cf ColumnFamilyID, key []byte) error {
	return db.writeSingle(writeOpts, func(t *pessimisticTransaction) error {
		return t.DeleteUntracked(cf, key)
	})
}

func (db *TransactionDB) Merge(writeOpts WriteOptions, cf ColumnFamilyID, key, value []byte) error {
	return db.writeSingle(writeOpts, func(t *pessimisticTransaction) error {
		return t.MergeUntracked(cf, key, value)
	})
}

func (db *TransactionDB) writeSingle(writeOpts WriteOptions, op func(*pessimisticTransaction) error) error {
	t := db.beginInternal(writeOpts)
	if err := op(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

// Write applies a caller-built batch non-transactionally. Every key in the
// batch is locked in ascending (column family, key) order before anything
// is applied, so two concurrent Write calls can never deadlock against each
// other. They can still deadlock against an explicit transaction locking in
// a different order; that is a known, accepted limitation.
func (db *TransactionDB) Write(writeOpts WriteOptions, batch *WriteBatch) error {
	t := db.beginInternal(writeOpts)
	var lockErr error
	batch.ascendKeys(func(cf ColumnFamilyID, key []byte) bool {
		if err := t.tryLock(cf, key, true); err != nil {
			lockErr = err
			return false
		}
		return true
	})
	if lockErr != nil {
		t.Rollback()
		return lockErr
	}
	_, err := db.store.Write(writeOpts, batch, nil)
	t.Rollback()
	return err
}

// CreateColumnFamily passes through to the store and allocates the lock
// table shard for the new column family.
func (db *TransactionDB) CreateColumnFamily(name string) (ColumnFamilyID, error) {
	cf, err := db.store.CreateColumnFamily(name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	db.lockTable.addColumnFamily(cf)
	return cf, nil
}

// DropColumnFamily passes through to the store and frees the lock table
// shard. The caller must guarantee no transaction still uses cf.
func (db *TransactionDB) DropColumnFamily(cf ColumnFamilyID) error {
	if err := db.store.DropColumnFamily(cf); err != nil {
		return errors.Trace(err)
	}
	db.lockTable.removeColumnFamily(cf)
	return nil
}

// pessimisticTransaction locks every key it touches before buffering the
// write, validates against its snapshot if one is set, and on commit simply
// flushes the buffered batch.
type pessimisticTransaction struct {
	transactionBase

	db        *TransactionDB
	id        uint64
	writeOpts WriteOptions

	// lockTimeoutMs: 0 = non-blocking try, negative = wait forever.
	lockTimeoutMs int64

	// expiresAt is zero when the transaction never expires. Once passed,
	// other transactions may steal this transaction's locks and Commit
	// fails with ErrExpired.
	expiresAt time.Time
}

func (t *pessimisticTransaction) GetID() uint64 { return t.id }

func (t *pessimisticTransaction) SetLockTimeout(ms int64) {
	t.lockTimeoutMs = ms
}

func (t *pessimisticTransaction) expired() bool {
	return !t.expiresAt.IsZero() && !time.Now().Before(t.expiresAt)
}

// tryLock acquires the key's lock (unless this transaction already holds
// it), validates against the snapshot when one is set, and records the
// tracked sequence number.
//
// An untracked call still locks the key so it cannot conflict with
// concurrent transactions, but skips snapshot validation: the caller
// asserts its own history for the key is irrelevant.
func (t *pessimisticTransaction) tryLock(cf ColumnFamilyID, key []byte, untracked bool) error {
	keyStr := string(key)
	trackedSeq, previouslyLocked := t.trackedKeys.get(cf, keyStr)

	newlyLocked := false
	if !previouslyLocked {
		if err := t.db.lockTable.tryLock(t.id, cf, keyStr, t.lockTimeoutMs, t.expiresAt); err != nil {
			return err
		}
		newlyLocked = true
	}

	var trackAt uint64
	switch {
	case untracked || t.snapshot == nil:
		// Anything committed after this instant would conflict with a
		// future validation, not this one; no check needed now.
		trackAt = t.store.GetLatestSequence()
	default:
		snapSeq := t.snapshot.Sequence()
		if previouslyLocked && trackedSeq <= snapSeq {
			// Already proven conflict-free at or below the snapshot;
			// sequence numbers never regress, so the proof still holds.
			trackAt = trackedSeq
		} else {
			if err := CheckKeyForConflicts(t.store, cf, key, snapSeq); err != nil {
				if newlyLocked {
					t.db.lockTable.unLock(t.id, cf, keyStr)
				}
				return err
			}
			trackAt = snapSeq
		}
	}

	t.trackKey(cf, keyStr, trackAt)
	return nil
}

func (t *pessimisticTransaction) unlockKey(cf ColumnFamilyID, key string) {
	t.db.lockTable.unLock(t.id, cf, key)
}

// Commit flushes the buffered batch. When the transaction carries an
// expiration the check runs through a callback at the store's serialization
// point, atomically with the append, so an expired transaction whose locks
// were stolen can never slip its writes in.
func (t *pessimisticTransaction) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	var cb WriteCallback
	if !t.expiresAt.IsZero() {
		cb = &expirationCallback{t: t}
	}
	_, err := t.store.Write(t.writeOpts, t.writeBatch, cb)
	if err != nil {
		log.Debugf("txn %d commit failed: %v", t.id, err)
	}
	t.finished = true
	t.clear()
	return err
}

func (t *pessimisticTransaction) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	t.clear()
	return nil
}

// expirationCallback rejects the final write of an expired transaction. It
// runs exactly once at the store's write-serialization point.
type expirationCallback struct {
	t *pessimisticTransaction
}

func (c *expirationCallback) Check(Store) error {
	if c.t.expired() {
		return errors.Annotatef(ErrExpired, "transaction %d expired before commit", c.t.id)
	}
	return nil
}
