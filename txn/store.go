package txn

// ColumnFamilyID identifies an independently-keyed namespace in the store.
type ColumnFamilyID uint32

// DefaultColumnFamilyID is the column family every store starts with.
const DefaultColumnFamilyID ColumnFamilyID = 0

// Snapshot is an opaque handle to the state of the store as of a sequence
// number.
type Snapshot interface {
	Sequence() uint64
}

// WriteCallback is invoked by the store synchronously and exactly once at
// its write-serialization point, before a batch is applied. If Check returns
// an error the store must not apply the batch. No other write can be
// interleaved between Check and the batch being applied.
type WriteCallback interface {
	Check(s Store) error
}

// Store is the multi-version key-value store underneath the transaction
// layer. The transaction layer never mutates store internals; everything
// goes through this interface.
type Store interface {
	// Write appends a batch atomically and returns the sequence number it
	// was assigned. When cb is non-nil it runs at the serialization point
	// and may abort the write.
	Write(opts WriteOptions, batch *WriteBatch, cb WriteCallback) (uint64, error)

	// Get reads a key as of snap, or as of the latest sequence number when
	// snap is nil. Missing keys yield ErrNotFound.
	Get(snap Snapshot, cf ColumnFamilyID, key []byte) ([]byte, error)

	// GetLatestSequence reports the sequence number of the most recently
	// applied write.
	GetLatestSequence() uint64

	GetSnapshot() Snapshot
	ReleaseSnapshot(snap Snapshot)

	// GetLatestSequenceForKey reports the sequence number of the newest
	// write to key, within the history the store still retains. found is
	// false when the key has no retained write.
	GetLatestSequenceForKey(cf ColumnFamilyID, key []byte) (seq uint64, found bool, err error)

	// GetEarliestTrackedSequence reports the lowest sequence number the
	// store can still answer GetLatestSequenceForKey for in cf. Conflict
	// checks against older sequence numbers cannot be proven safe.
	GetEarliestTrackedSequence(cf ColumnFamilyID) uint64

	CreateColumnFamily(name string) (ColumnFamilyID, error)
	DropColumnFamily(cf ColumnFamilyID) error
}
