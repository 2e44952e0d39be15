// Package memstore is an in-memory multi-version store implementing
// txn.Store. Every applied batch gets a strictly increasing sequence
// number; reads can be pinned to a snapshot; per-key write history is
// retained back to a compactable floor so conflict checks can be proven —
// or honestly refused once the history is gone.
package memstore

import (
	"math"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinytxn/txn"
)

// MergeFunc resolves a merge operand against the existing value.
// existingFound is false when the key had no value.
type MergeFunc func(existing []byte, existingFound bool, operand []byte) []byte

// Options configures a Store. A nil Merge makes every merge-resolving read
// fail with ErrMergeInProgress.
type Options struct {
	Merge MergeFunc
}

type version struct {
	seq   uint64
	kind  txn.OpKind
	value []byte
}

type columnFamily struct {
	name string
	data map[string][]version

	// earliestSeq is the lowest sequence number this column family can
	// still answer GetLatestSequenceForKey for. Raised by CompactTo to
	// model memtable eviction.
	earliestSeq uint64
}

// Store is safe for concurrent use. writeMu is the single
// write-serialization point: callbacks run under it, so validation and
// apply are atomic with respect to every other write.
type Store struct {
	mu      sync.RWMutex
	writeMu sync.Mutex

	cfs    map[txn.ColumnFamilyID]*columnFamily
	nextCF txn.ColumnFamilyID
	latest atomic.Uint64
	merge  MergeFunc
}

var _ txn.Store = (*Store)(nil)

func NewStore(opts Options) *Store {
	s := &Store{
		cfs:   make(map[txn.ColumnFamilyID]*columnFamily),
		merge: opts.Merge,
	}
	s.cfs[txn.DefaultColumnFamilyID] = newColumnFamily("default")
	s.nextCF = txn.DefaultColumnFamilyID + 1
	return s
}

func newColumnFamily(name string) *columnFamily {
	return &columnFamily{
		name:        name,
		data:        make(map[string][]version),
		earliestSeq: 1,
	}
}

// Write appends the batch atomically under the write-serialization mutex.
// A non-nil callback runs exactly once before apply and aborts the write by
// returning an error.
func (s *Store) Write(opts txn.WriteOptions, batch *txn.WriteBatch, cb txn.WriteCallback) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cb != nil {
		if err := cb.Check(s); err != nil {
			return 0, err
		}
	}
	ops := batch.Ops()
	if len(ops) == 0 {
		return s.latest.Load(), nil
	}

	s.mu.Lock()
	for _, op := range ops {
		if _, ok := s.cfs[op.CF]; !ok {
			s.mu.Unlock()
			return 0, errors.Annotatef(txn.ErrInvalidArgument, "unknown column family %d", op.CF)
		}
	}
	seq := s.latest.Load() + 1
	for _, op := range ops {
		cf := s.cfs[op.CF]
		key := string(op.Key)
		cf.data[key] = append(cf.data[key], version{
			seq:   seq,
			kind:  op.Kind,
			value: append([]byte(nil), op.Value...),
		})
	}
	s.mu.Unlock()

	// Publish only after the data is in place so a reader at the latest
	// sequence never misses part of a batch.
	s.latest.Store(seq)
	return seq, nil
}

// Get reads key as of snap, or as of the latest write when snap is nil.
func (s *Store) Get(snap txn.Snapshot, cf txn.ColumnFamilyID, key []byte) ([]byte, error) {
	maxSeq := uint64(math.MaxUint64)
	if snap != nil {
		maxSeq = snap.Sequence()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.cfs[cf]
	if !ok {
		return nil, errors.Annotatef(txn.ErrInvalidArgument, "unknown column family %d", cf)
	}
	versions := f.data[string(key)]

	// Walk newest-to-oldest collecting merge operands until a base value
	// (put), a tombstone, or the beginning of history.
	var operands [][]byte
	var base []byte
	baseFound := false
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.seq > maxSeq {
			continue
		}
		if v.kind == txn.OpMerge {
			operands = append(operands, v.value)
			continue
		}
		if v.kind == txn.OpPut {
			base = v.value
			baseFound = true
		}
		break
	}

	if len(operands) == 0 {
		if !baseFound {
			return nil, errors.Annotate(txn.ErrNotFound, "key not found")
		}
		return append([]byte(nil), base...), nil
	}
	if s.merge == nil {
		return nil, errors.Annotate(txn.ErrMergeInProgress, "no merge operator configured")
	}
	value := base
	found := baseFound
	for i := len(operands) - 1; i >= 0; i-- {
		value = s.merge(value, found, operands[i])
		found = true
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) GetLatestSequence() uint64 {
	return s.latest.Load()
}

type snapshot struct {
	seq uint64
}

func (s *snapshot) Sequence() uint64 { return s.seq }

func (s *Store) GetSnapshot() txn.Snapshot {
	return &snapshot{seq: s.latest.Load()}
}

// ReleaseSnapshot is a no-op: snapshots here hold no resources. The method
// exists so callers release handles the same way they would against a real
// engine.
func (s *Store) ReleaseSnapshot(snap txn.Snapshot) {}

// GetLatestSequenceForKey reports the newest write to key. Deletes and
// merges count as writes.
func (s *Store) GetLatestSequenceForKey(cf txn.ColumnFamilyID, key []byte) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.cfs[cf]
	if !ok {
		return 0, false, errors.Annotatef(txn.ErrInvalidArgument, "unknown column family %d", cf)
	}
	versions := f.data[string(key)]
	if len(versions) == 0 {
		return 0, false, nil
	}
	return versions[len(versions)-1].seq, true, nil
}

func (s *Store) GetEarliestTrackedSequence(cf txn.ColumnFamilyID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.cfs[cf]
	if !ok {
		return 0
	}
	return f.earliestSeq
}

// CompactTo declares that per-key history at or below seq is no longer
// provable, the way a real engine loses cheap conflict-check coverage when
// memtables are flushed and dropped. Data stays readable.
func (s *Store) CompactTo(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.cfs {
		if f.earliestSeq < seq+1 {
			f.earliestSeq = seq + 1
		}
	}
}

func (s *Store) CreateColumnFamily(name string) (txn.ColumnFamilyID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.cfs {
		if f.name == name {
			return 0, errors.Annotatef(txn.ErrInvalidArgument, "column family %q already exists", name)
		}
	}
	id := s.nextCF
	s.nextCF++
	s.cfs[id] = newColumnFamily(name)
	log.Debugf("created column family %q as %d", name, id)
	return id, nil
}

func (s *Store) DropColumnFamily(cf txn.ColumnFamilyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfs[cf]; !ok {
		return errors.Annotatef(txn.ErrInvalidArgument, "unknown column family %d", cf)
	}
	delete(s.cfs, cf)
	return nil
}
