package txn

import (
	"bytes"

	"github.com/google/btree"
)

// OpKind is the type of a buffered write operation.
type OpKind byte

const (
	OpPut OpKind = iota
	OpDelete
	OpMerge
)

// BatchOp is one buffered operation. Key and Value are owned by the batch.
type BatchOp struct {
	CF    ColumnFamilyID
	Kind  OpKind
	Key   []byte
	Value []byte
}

// batchIndexEntry indexes every buffered op for one (cf, key), oldest first.
// Entries order by column family then key, which is the global lock order
// used for non-transactional batch writes.
type batchIndexEntry struct {
	cf  ColumnFamilyID
	key []byte
	ops []int
}

func (e *batchIndexEntry) Less(than btree.Item) bool {
	o := than.(*batchIndexEntry)
	if e.cf != o.cf {
		return e.cf < o.cf
	}
	return bytes.Compare(e.key, o.key) < 0
}

// localValueState describes what the batch alone knows about a key.
type localValueState int

const (
	localNone    localValueState = iota // key untouched by this batch
	localPut                            // newest op is a put
	localDeleted                        // newest op is a delete
	localMerge                          // newest op is a merge
)

// WriteBatch buffers operations in insertion order and keeps a sorted index
// so reads can overlay the batch on top of the store.
type WriteBatch struct {
	ops   []BatchOp
	index *btree.BTree
}

const batchIndexDegree = 8

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		index: btree.New(batchIndexDegree),
	}
}

func (wb *WriteBatch) Put(cf ColumnFamilyID, key, value []byte) {
	wb.append(BatchOp{CF: cf, Kind: OpPut, Key: copyBytes(key), Value: copyBytes(value)})
}

func (wb *WriteBatch) Delete(cf ColumnFamilyID, key []byte) {
	wb.append(BatchOp{CF: cf, Kind: OpDelete, Key: copyBytes(key)})
}

func (wb *WriteBatch) Merge(cf ColumnFamilyID, key, value []byte) {
	wb.append(BatchOp{CF: cf, Kind: OpMerge, Key: copyBytes(key), Value: copyBytes(value)})
}

func (wb *WriteBatch) append(op BatchOp) {
	idx := len(wb.ops)
	wb.ops = append(wb.ops, op)
	probe := &batchIndexEntry{cf: op.CF, key: op.Key}
	if item := wb.index.Get(probe); item != nil {
		entry := item.(*batchIndexEntry)
		entry.ops = append(entry.ops, idx)
		return
	}
	probe.ops = []int{idx}
	wb.index.ReplaceOrInsert(probe)
}

// Count reports the number of buffered operations.
func (wb *WriteBatch) Count() int {
	return len(wb.ops)
}

// Ops exposes the buffered operations in insertion order for the store to
// apply. The returned slice must not be mutated.
func (wb *WriteBatch) Ops() []BatchOp {
	return wb.ops
}

// getLocal resolves what this batch knows about (cf, key). For localPut the
// current buffered value is returned.
func (wb *WriteBatch) getLocal(cf ColumnFamilyID, key []byte) ([]byte, localValueState) {
	item := wb.index.Get(&batchIndexEntry{cf: cf, key: key})
	if item == nil {
		return nil, localNone
	}
	entry := item.(*batchIndexEntry)
	if len(entry.ops) == 0 {
		return nil, localNone
	}
	newest := wb.ops[entry.ops[len(entry.ops)-1]]
	switch newest.Kind {
	case OpPut:
		return newest.Value, localPut
	case OpDelete:
		return nil, localDeleted
	default:
		return nil, localMerge
	}
}

// ascendKeys visits every touched (cf, key) in ascending order. Returning
// false from fn stops the walk.
func (wb *WriteBatch) ascendKeys(fn func(cf ColumnFamilyID, key []byte) bool) {
	wb.index.Ascend(func(item btree.Item) bool {
		entry := item.(*batchIndexEntry)
		return fn(entry.cf, entry.key)
	})
}

// rewind discards every op at index >= cursor, restoring the index entries
// to their pre-cursor state. Used by savepoint rollback.
func (wb *WriteBatch) rewind(cursor int) {
	if cursor >= len(wb.ops) {
		return
	}
	truncated := wb.ops[cursor:]
	wb.ops = wb.ops[:cursor]
	for _, op := range truncated {
		probe := &batchIndexEntry{cf: op.CF, key: op.Key}
		item := wb.index.Get(probe)
		if item == nil {
			continue
		}
		entry := item.(*batchIndexEntry)
		keep := entry.ops[:0]
		for _, idx := range entry.ops {
			if idx < cursor {
				keep = append(keep, idx)
			}
		}
		entry.ops = keep
		if len(entry.ops) == 0 {
			wb.index.Delete(entry)
		}
	}
}

func (wb *WriteBatch) clear() {
	wb.ops = nil
	wb.index.Clear(false)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
