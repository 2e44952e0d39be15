package txn

import (
	"github.com/ngaut/log"
)

// OptimisticTransactionDB is the optimistic coordinator. It never locks;
// every conflict check is deferred to a commit-time callback on the store's
// write-serialization point, so it takes no locking configuration.
type OptimisticTransactionDB struct {
	store Store
}

func NewOptimisticTransactionDB(store Store) *OptimisticTransactionDB {
	return &OptimisticTransactionDB{store: store}
}

func (db *OptimisticTransactionDB) BeginTransaction(writeOpts WriteOptions, txnOpts TransactionOptions) Transaction {
	t := &optimisticTransaction{
		id:        newTxnID(),
		writeOpts: writeOpts,
	}
	t.init(db.store, t)
	if txnOpts.SetSnapshot {
		t.SetSnapshot()
	}
	return t
}

// Get reads directly from the store, bypassing any transaction.
func (db *OptimisticTransactionDB) Get(snap Snapshot, cf ColumnFamilyID, key []byte) ([]byte, error) {
	return db.store.Get(snap, cf, key)
}

func (db *OptimisticTransactionDB) GetSnapshot() Snapshot         { return db.store.GetSnapshot() }
func (db *OptimisticTransactionDB) ReleaseSnapshot(snap Snapshot) { db.store.ReleaseSnapshot(snap) }

// Plain writes need no implicit transaction here: the store's single
// write-serialization point already orders them against the validate-then-
// apply step of every optimistic commit.

func (db *OptimisticTransactionDB) Put(writeOpts WriteOptions, cf ColumnFamilyID, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(cf, key, value)
	_, err := db.store.Write(writeOpts, wb, nil)
	return err
}

func (db *OptimisticTransactionDB) Delete(writeOpts WriteOptions, cf ColumnFamilyID, key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(cf, key)
	_, err := db.store.Write(writeOpts, wb, nil)
	return err
}

func (db *OptimisticTransactionDB) Merge(writeOpts WriteOptions, cf ColumnFamilyID, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Merge(cf, key, value)
	_, err := db.store.Write(writeOpts, wb, nil)
	return err
}

func (db *OptimisticTransactionDB) Write(writeOpts WriteOptions, batch *WriteBatch) error {
	_, err := db.store.Write(writeOpts, batch, nil)
	return err
}

func (db *OptimisticTransactionDB) CreateColumnFamily(name string) (ColumnFamilyID, error) {
	return db.store.CreateColumnFamily(name)
}

func (db *OptimisticTransactionDB) DropColumnFamily(cf ColumnFamilyID) error {
	return db.store.DropColumnFamily(cf)
}

// optimisticTransaction records tracked keys as promises to validate later
// and checks them all at commit time, inside the store's write path.
type optimisticTransaction struct {
	transactionBase

	id        uint64
	writeOpts WriteOptions
}

func (t *optimisticTransaction) GetID() uint64 { return t.id }

// SetLockTimeout is a no-op: optimistic transactions never lock.
func (t *optimisticTransaction) SetLockTimeout(ms int64) {}

// tryLock never locks and always succeeds. For tracked calls it records the
// sequence number the key must later be validated against: the active
// snapshot's if one is set, otherwise the store's current latest.
func (t *optimisticTransaction) tryLock(cf ColumnFamilyID, key []byte, untracked bool) error {
	if untracked {
		return nil
	}
	var seq uint64
	if t.snapshot != nil {
		seq = t.snapshot.Sequence()
	} else {
		seq = t.store.GetLatestSequence()
	}
	t.trackKey(cf, string(key), seq)
	return nil
}

func (t *optimisticTransaction) unlockKey(cf ColumnFamilyID, key string) {}

// Commit asks the store to apply the buffered batch through a validating
// callback. The store invokes the callback exactly once at its single
// write-serialization point, so no other write can land between validation
// and apply. If validation fails nothing is applied and the error becomes
// the result of Commit.
func (t *optimisticTransaction) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	cb := &optimisticCommitCallback{t: t}
	_, err := t.store.Write(t.writeOpts, t.writeBatch, cb)
	if err != nil {
		log.Debugf("optimistic txn %d commit validation failed: %v", t.id, err)
	}
	t.finished = true
	t.clear()
	return err
}

func (t *optimisticTransaction) Rollback() error {
	if t.finished {
		return nil
	}
	t.finished = true
	t.clear()
	return nil
}

// optimisticCommitCallback re-checks every tracked key on the store's
// writer. Success proves no write to any tracked key landed after its
// recorded sequence number.
type optimisticCommitCallback struct {
	t *optimisticTransaction
}

func (c *optimisticCommitCallback) Check(s Store) error {
	return checkKeysForConflicts(s, c.t.trackedKeys)
}
