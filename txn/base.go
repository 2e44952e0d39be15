package txn

import (
	"time"

	"github.com/pingcap/errors"
)

// trackedKeyMap maps (column family, key) to the earliest sequence number
// the transaction has validated the key against: if an entry is present, no
// committed write to the key exists after that sequence number (for the
// optimistic strategy the proof is deferred to commit).
type trackedKeyMap map[ColumnFamilyID]map[string]uint64

// track records the key, only ever lowering an existing sequence number.
// Raising the guarantee is not allowed; it can only be re-proven from
// scratch by a fresh validation at a lower sequence.
func (m trackedKeyMap) track(cf ColumnFamilyID, key string, seq uint64) {
	cfKeys, ok := m[cf]
	if !ok {
		cfKeys = make(map[string]uint64)
		m[cf] = cfKeys
	}
	if old, ok := cfKeys[key]; !ok || seq < old {
		cfKeys[key] = seq
	}
}

func (m trackedKeyMap) get(cf ColumnFamilyID, key string) (uint64, bool) {
	seq, ok := m[cf][key]
	return seq, ok
}

func (m trackedKeyMap) remove(cf ColumnFamilyID, key string) {
	if cfKeys, ok := m[cf]; ok {
		delete(cfKeys, key)
		if len(cfKeys) == 0 {
			delete(m, cf)
		}
	}
}

func (m trackedKeyMap) numKeys() uint64 {
	var n uint64
	for _, cfKeys := range m {
		n += uint64(len(cfKeys))
	}
	return n
}

// txnStrategy is the single extension point that separates the pessimistic
// and optimistic transactions. tryLock runs before every tracked (and, for
// the pessimistic strategy, untracked) buffered write; unlockKey releases
// whatever tryLock acquired.
type txnStrategy interface {
	tryLock(cf ColumnFamilyID, key []byte, untracked bool) error
	unlockKey(cf ColumnFamilyID, key string)
}

// savePoint captures the rewind state for RollbackToSavePoint.
type savePoint struct {
	snapshot    Snapshot
	numPuts     uint64
	numDeletes  uint64
	numMerges   uint64
	batchCursor int

	// newKeys holds the tracked keys first introduced since this savepoint
	// was set. Rolling back discards exactly these; keys tracked earlier
	// stay tracked.
	newKeys trackedKeyMap
}

// transactionBase owns the state shared by both strategies: the buffered
// write batch, the tracked-key map, the savepoint stack and the snapshot.
type transactionBase struct {
	store    Store
	strategy txnStrategy

	writeBatch  *WriteBatch
	trackedKeys trackedKeyMap
	savePoints  []*savePoint
	snapshot    Snapshot

	startTime  time.Time
	numPuts    uint64
	numDeletes uint64
	numMerges  uint64

	finished bool
}

func (t *transactionBase) init(store Store, strategy txnStrategy) {
	t.store = store
	t.strategy = strategy
	t.writeBatch = NewWriteBatch()
	t.trackedKeys = make(trackedKeyMap)
	t.startTime = time.Now()
}

func (t *transactionBase) checkOpen() error {
	if t.finished {
		return errors.Annotate(ErrInvalidArgument, "transaction is no longer open")
	}
	return nil
}

// trackKey records the key in the tracked map and, when it is new to the
// transaction, in the top savepoint frame so a rollback can discard it.
func (t *transactionBase) trackKey(cf ColumnFamilyID, key string, seq uint64) {
	if _, ok := t.trackedKeys.get(cf, key); !ok && len(t.savePoints) > 0 {
		t.savePoints[len(t.savePoints)-1].newKeys.track(cf, key, seq)
	}
	t.trackedKeys.track(cf, key, seq)
}

func (t *transactionBase) Put(cf ColumnFamilyID, key, value []byte) error {
	return t.write(cf, key, value, OpPut, false)
}

func (t *transactionBase) PutUntracked(cf ColumnFamilyID, key, value []byte) error {
	return t.write(cf, key, value, OpPut, true)
}

func (t *transactionBase) Delete(cf ColumnFamilyID, key []byte) error {
	return t.write(cf, key, nil, OpDelete, false)
}

func (t *transactionBase) DeleteUntracked(cf ColumnFamilyID, key []byte) error {
	return t.write(cf, key, nil, OpDelete, true)
}

func (t *transactionBase) Merge(cf ColumnFamilyID, key, value []byte) error {
	return t.write(cf, key, value, OpMerge, false)
}

func (t *transactionBase) MergeUntracked(cf ColumnFamilyID, key, value []byte) error {
	return t.write(cf, key, value, OpMerge, true)
}

func (t *transactionBase) write(cf ColumnFamilyID, key, value []byte, kind OpKind, untracked bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.strategy.tryLock(cf, key, untracked); err != nil {
		return err
	}
	switch kind {
	case OpPut:
		t.writeBatch.Put(cf, key, value)
		t.numPuts++
	case OpDelete:
		t.writeBatch.Delete(cf, key)
		t.numDeletes++
	case OpMerge:
		t.writeBatch.Merge(cf, key, value)
		t.numMerges++
	}
	return nil
}

// Get reads the transaction's own buffered writes overlaid on the store. A
// buffered merge cannot be resolved locally and yields ErrMergeInProgress.
func (t *transactionBase) Get(cf ColumnFamilyID, key []byte) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	value, state := t.writeBatch.getLocal(cf, key)
	switch state {
	case localPut:
		return copyBytes(value), nil
	case localDeleted:
		return nil, errors.Annotate(ErrNotFound, "key deleted in transaction")
	case localMerge:
		return nil, errors.Annotate(ErrMergeInProgress, "key has buffered merge operands")
	}
	return t.store.Get(t.snapshot, cf, key)
}

// GetForUpdate locks and validates the key like a write, then reads it.
// With wantValue false the read cost is skipped and only the
// read-dependency is registered.
func (t *transactionBase) GetForUpdate(cf ColumnFamilyID, key []byte, wantValue bool) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.strategy.tryLock(cf, key, false); err != nil {
		return nil, err
	}
	if !wantValue {
		return nil, nil
	}
	return t.Get(cf, key)
}

func (t *transactionBase) MultiGet(cf ColumnFamilyID, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		values[i], errs[i] = t.Get(cf, key)
	}
	return values, errs
}

func (t *transactionBase) MultiGetForUpdate(cf ColumnFamilyID, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		values[i], errs[i] = t.GetForUpdate(cf, key, true)
	}
	return values, errs
}

// SetSnapshot pins the transaction to the store's current state. Any
// previously held snapshot is released unless a savepoint still captures it.
func (t *transactionBase) SetSnapshot() {
	old := t.snapshot
	t.snapshot = t.store.GetSnapshot()
	if old != nil && !t.snapshotCaptured(old) {
		t.store.ReleaseSnapshot(old)
	}
}

func (t *transactionBase) GetSnapshot() Snapshot {
	return t.snapshot
}

func (t *transactionBase) snapshotCaptured(snap Snapshot) bool {
	for _, sp := range t.savePoints {
		if sp.snapshot == snap {
			return true
		}
	}
	return false
}

func (t *transactionBase) SetSavePoint() {
	t.savePoints = append(t.savePoints, &savePoint{
		snapshot:    t.snapshot,
		numPuts:     t.numPuts,
		numDeletes:  t.numDeletes,
		numMerges:   t.numMerges,
		batchCursor: t.writeBatch.Count(),
		newKeys:     make(trackedKeyMap),
	})
}

// RollbackToSavePoint pops the most recent savepoint, rewinds the write
// batch, restores counters and snapshot, and untracks (and for the
// pessimistic strategy unlocks) exactly the keys first tracked since that
// savepoint.
func (t *transactionBase) RollbackToSavePoint() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if len(t.savePoints) == 0 {
		return errors.Annotate(ErrNotFound, "no savepoint to roll back to")
	}
	sp := t.savePoints[len(t.savePoints)-1]
	t.savePoints = t.savePoints[:len(t.savePoints)-1]

	if t.snapshot != sp.snapshot {
		old := t.snapshot
		t.snapshot = sp.snapshot
		if old != nil && !t.snapshotCaptured(old) {
			t.store.ReleaseSnapshot(old)
		}
	}
	t.numPuts = sp.numPuts
	t.numDeletes = sp.numDeletes
	t.numMerges = sp.numMerges
	t.writeBatch.rewind(sp.batchCursor)

	for cf, cfKeys := range sp.newKeys {
		for key := range cfKeys {
			t.trackedKeys.remove(cf, key)
			t.strategy.unlockKey(cf, key)
		}
	}
	return nil
}

// clear releases every resource the transaction holds: locks, snapshot,
// buffered writes, tracked keys, counters, savepoints. Used by Commit,
// Rollback and any abandon path.
func (t *transactionBase) clear() {
	for cf, cfKeys := range t.trackedKeys {
		for key := range cfKeys {
			t.strategy.unlockKey(cf, key)
		}
	}
	t.trackedKeys = make(trackedKeyMap)
	released := make(map[Snapshot]struct{})
	if t.snapshot != nil {
		t.store.ReleaseSnapshot(t.snapshot)
		released[t.snapshot] = struct{}{}
		t.snapshot = nil
	}
	for _, sp := range t.savePoints {
		if sp.snapshot == nil {
			continue
		}
		if _, done := released[sp.snapshot]; done {
			continue
		}
		t.store.ReleaseSnapshot(sp.snapshot)
		released[sp.snapshot] = struct{}{}
	}
	t.writeBatch.clear()
	t.savePoints = nil
	t.numPuts = 0
	t.numDeletes = 0
	t.numMerges = 0
}

func (t *transactionBase) GetNumKeys() uint64    { return t.trackedKeys.numKeys() }
func (t *transactionBase) GetNumPuts() uint64    { return t.numPuts }
func (t *transactionBase) GetNumDeletes() uint64 { return t.numDeletes }
func (t *transactionBase) GetNumMerges() uint64  { return t.numMerges }

// GetElapsedTime reports the time since the transaction began.
func (t *transactionBase) GetElapsedTime() time.Duration {
	return time.Since(t.startTime)
}
