package memstore

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/txn"
)

func appendMerge(existing []byte, existingFound bool, operand []byte) []byte {
	if !existingFound {
		return append([]byte(nil), operand...)
	}
	out := append([]byte(nil), existing...)
	out = append(out, ',')
	return append(out, operand...)
}

func put(t *testing.T, s *Store, key, value string) uint64 {
	t.Helper()
	wb := txn.NewWriteBatch()
	wb.Put(txn.DefaultColumnFamilyID, []byte(key), []byte(value))
	seq, err := s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)
	return seq
}

func TestStoreWriteAssignsOneSequencePerBatch(t *testing.T) {
	s := NewStore(Options{})

	wb := txn.NewWriteBatch()
	wb.Put(txn.DefaultColumnFamilyID, []byte("a"), []byte("1"))
	wb.Put(txn.DefaultColumnFamilyID, []byte("b"), []byte("2"))
	wb.Delete(txn.DefaultColumnFamilyID, []byte("c"))
	seq, err := s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)
	assert.EqualValues(t, 1, s.GetLatestSequence())

	seqA, found, err := s.GetLatestSequenceForKey(txn.DefaultColumnFamilyID, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, seq, seqA)
	seqB, found, err := s.GetLatestSequenceForKey(txn.DefaultColumnFamilyID, []byte("b"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, seq, seqB)

	// The delete of a missing key still leaves a tombstone version.
	seqC, found, err := s.GetLatestSequenceForKey(txn.DefaultColumnFamilyID, []byte("c"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, seq, seqC)
	_, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("c"))
	assert.True(t, txn.IsNotFound(err))

	put(t, s, "a", "3")
	assert.EqualValues(t, 2, s.GetLatestSequence())
}

func TestStoreEmptyBatch(t *testing.T) {
	s := NewStore(Options{})
	put(t, s, "a", "1")

	seq, err := s.Write(txn.WriteOptions{}, txn.NewWriteBatch(), nil)
	require.NoError(t, err)
	assert.Equal(t, s.GetLatestSequence(), seq)
	assert.EqualValues(t, 1, s.GetLatestSequence())
}

func TestStoreSnapshotPinsReads(t *testing.T) {
	s := NewStore(Options{})
	put(t, s, "k", "old")

	snap := s.GetSnapshot()
	put(t, s, "k", "new")

	value, err := s.Get(snap, txn.DefaultColumnFamilyID, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)

	value, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)

	// A key created after the snapshot is invisible through it.
	put(t, s, "later", "x")
	_, err = s.Get(snap, txn.DefaultColumnFamilyID, []byte("later"))
	assert.True(t, txn.IsNotFound(err))

	s.ReleaseSnapshot(snap)
}

func TestStoreMergeResolution(t *testing.T) {
	s := NewStore(Options{Merge: appendMerge})

	wb := txn.NewWriteBatch()
	wb.Merge(txn.DefaultColumnFamilyID, []byte("m"), []byte("1"))
	_, err := s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)

	// Merge onto a missing key yields the bare operand.
	value, err := s.Get(nil, txn.DefaultColumnFamilyID, []byte("m"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	wb = txn.NewWriteBatch()
	wb.Merge(txn.DefaultColumnFamilyID, []byte("m"), []byte("2"))
	wb.Merge(txn.DefaultColumnFamilyID, []byte("m"), []byte("3"))
	_, err = s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)

	value, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("m"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1,2,3"), value)

	// A put restarts the chain.
	put(t, s, "m", "fresh")
	wb = txn.NewWriteBatch()
	wb.Merge(txn.DefaultColumnFamilyID, []byte("m"), []byte("4"))
	_, err = s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)

	value, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("m"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh,4"), value)
}

func TestStoreMergeWithoutOperator(t *testing.T) {
	s := NewStore(Options{})
	wb := txn.NewWriteBatch()
	wb.Merge(txn.DefaultColumnFamilyID, []byte("m"), []byte("1"))
	_, err := s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)

	_, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("m"))
	assert.True(t, txn.IsMergeInProgress(err))
}

type failCallback struct{ err error }

func (c failCallback) Check(txn.Store) error { return c.err }

func TestStoreWriteCallbackAborts(t *testing.T) {
	s := NewStore(Options{})
	put(t, s, "a", "1")

	wb := txn.NewWriteBatch()
	wb.Put(txn.DefaultColumnFamilyID, []byte("a"), []byte("2"))
	wb.Put(txn.DefaultColumnFamilyID, []byte("b"), []byte("2"))
	_, err := s.Write(txn.WriteOptions{}, wb, failCallback{err: errors.Annotate(txn.ErrExpired, "expired in test")})
	assert.True(t, txn.IsExpired(err))

	// The batch was rejected whole.
	value, err := s.Get(nil, txn.DefaultColumnFamilyID, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	_, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("b"))
	assert.True(t, txn.IsNotFound(err))
	assert.EqualValues(t, 1, s.GetLatestSequence())
}

func TestStoreCompactTo(t *testing.T) {
	s := NewStore(Options{})
	put(t, s, "a", "1")
	seq := put(t, s, "a", "2")

	assert.EqualValues(t, 1, s.GetEarliestTrackedSequence(txn.DefaultColumnFamilyID))

	s.CompactTo(seq)
	assert.Equal(t, seq+1, s.GetEarliestTrackedSequence(txn.DefaultColumnFamilyID))

	// Reads still work; only conflict history is gone.
	value, err := s.Get(nil, txn.DefaultColumnFamilyID, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)
}

func TestStoreColumnFamilies(t *testing.T) {
	s := NewStore(Options{})

	cf, err := s.CreateColumnFamily("extra")
	require.NoError(t, err)
	assert.NotEqual(t, txn.DefaultColumnFamilyID, cf)

	_, err = s.CreateColumnFamily("extra")
	assert.True(t, txn.IsInvalidArgument(err))

	wb := txn.NewWriteBatch()
	wb.Put(cf, []byte("k"), []byte("v"))
	wb.Put(txn.DefaultColumnFamilyID, []byte("k"), []byte("w"))
	_, err = s.Write(txn.WriteOptions{}, wb, nil)
	require.NoError(t, err)

	value, err := s.Get(nil, cf, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	value, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("w"), value)

	require.NoError(t, s.DropColumnFamily(cf))
	_, err = s.Get(nil, cf, []byte("k"))
	assert.True(t, txn.IsInvalidArgument(err))

	// A batch naming a dropped family is rejected whole.
	wb = txn.NewWriteBatch()
	wb.Put(cf, []byte("k"), []byte("x"))
	wb.Put(txn.DefaultColumnFamilyID, []byte("k2"), []byte("y"))
	_, err = s.Write(txn.WriteOptions{}, wb, nil)
	assert.True(t, txn.IsInvalidArgument(err))
	_, err = s.Get(nil, txn.DefaultColumnFamilyID, []byte("k2"))
	assert.True(t, txn.IsNotFound(err))

	err = s.DropColumnFamily(cf)
	assert.True(t, txn.IsInvalidArgument(err))
}
