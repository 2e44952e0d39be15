package txn

import (
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// lockInfo describes the exclusive holder of one key. A zero expiresAt means
// the holder never expires.
type lockInfo struct {
	txnID     uint64
	expiresAt time.Time
}

func (l lockInfo) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && !now.Before(l.expiresAt)
}

// lockStripe is one shard of a column family's lock map. waitCh is closed
// and replaced under mu to broadcast a release to blocked acquirers.
type lockStripe struct {
	mu     sync.Mutex
	keys   map[string]lockInfo
	waitCh chan struct{}
}

func newLockStripe() *lockStripe {
	return &lockStripe{
		keys:   make(map[string]lockInfo),
		waitCh: make(chan struct{}),
	}
}

// broadcast wakes every waiter on the stripe. Caller must hold mu.
func (s *lockStripe) broadcast() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

type cfLockMap struct {
	stripes   []*lockStripe
	lockCount atomic.Int64
}

// lockTable maps (column family, key) to its exclusive holder. Each column
// family is sharded into stripes selected by a hash of the key, so
// contention is bounded to keys whose hashes collide.
type lockTable struct {
	mu          sync.RWMutex
	cfs         map[ColumnFamilyID]*cfLockMap
	numStripes  int
	maxNumLocks int64
}

func newLockTable(numStripes int, maxNumLocks int64) *lockTable {
	if numStripes <= 0 {
		numStripes = DefaultTransactionDBOptions.NumStripes
	}
	return &lockTable{
		cfs:         make(map[ColumnFamilyID]*cfLockMap),
		numStripes:  numStripes,
		maxNumLocks: maxNumLocks,
	}
}

// addColumnFamily allocates the per-column-family shard. Called when the DB
// opens and on CreateColumnFamily.
func (lt *lockTable) addColumnFamily(cf ColumnFamilyID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, ok := lt.cfs[cf]; ok {
		return
	}
	m := &cfLockMap{stripes: make([]*lockStripe, lt.numStripes)}
	for i := range m.stripes {
		m.stripes[i] = newLockStripe()
	}
	lt.cfs[cf] = m
}

// removeColumnFamily frees the shard on DropColumnFamily. The caller must
// guarantee no transaction still holds locks in cf.
func (lt *lockTable) removeColumnFamily(cf ColumnFamilyID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.cfs, cf)
}

func (lt *lockTable) getStripe(cf ColumnFamilyID, key string) (*cfLockMap, *lockStripe, error) {
	lt.mu.RLock()
	m, ok := lt.cfs[cf]
	lt.mu.RUnlock()
	if !ok {
		return nil, nil, errors.Annotatef(ErrInvalidArgument, "column family %d not found in lock table", cf)
	}
	idx := farm.Fingerprint64([]byte(key)) % uint64(len(m.stripes))
	return m, m.stripes[idx], nil
}

// tryLock acquires the exclusive lock on (cf, key) for txnID.
//
// timeoutMs == 0 fails immediately when the key is held; negative waits
// without bound; positive waits up to that many milliseconds. expiresAt is
// recorded so that other transactions may steal the lock once the holder's
// expiration has passed. Stealing happens without notifying the holder; the
// holder's commit is expected to fail its own expiration check.
func (lt *lockTable) tryLock(txnID uint64, cf ColumnFamilyID, key string, timeoutMs int64, expiresAt time.Time) error {
	m, stripe, err := lt.getStripe(cf, key)
	if err != nil {
		return err
	}

	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	for {
		stripe.mu.Lock()
		acquired, holder, err := lt.acquireLocked(m, stripe, txnID, key, expiresAt)
		if err != nil {
			stripe.mu.Unlock()
			return err
		}
		if acquired {
			stripe.mu.Unlock()
			return nil
		}
		waitCh := stripe.waitCh
		stripe.mu.Unlock()

		if timeoutMs == 0 {
			return errors.Annotate(ErrTimedOut, "timeout waiting to lock key")
		}

		// Bound the wait by the holder's expiration so an abandoned lock
		// can be stolen even when nobody releases the stripe.
		now := time.Now()
		wakeAt := deadline
		if !holder.expiresAt.IsZero() && (wakeAt.IsZero() || holder.expiresAt.Before(wakeAt)) {
			wakeAt = holder.expiresAt
		}

		if wakeAt.IsZero() {
			<-waitCh
			continue
		}
		if !deadline.IsZero() && !now.Before(deadline) {
			return errors.Annotate(ErrTimedOut, "timeout waiting to lock key")
		}
		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				// One last attempt before giving up: the lock may have
				// become free or stealable exactly at the deadline.
				stripe.mu.Lock()
				acquired, _, err = lt.acquireLocked(m, stripe, txnID, key, expiresAt)
				stripe.mu.Unlock()
				if err != nil {
					return err
				}
				if acquired {
					return nil
				}
				return errors.Annotate(ErrTimedOut, "timeout waiting to lock key")
			}
		}
	}
}

// acquireLocked attempts the actual insert/steal. Caller must hold the
// stripe mutex. When the key is held by a live transaction it returns the
// holder's lockInfo so the caller can bound its wait.
func (lt *lockTable) acquireLocked(m *cfLockMap, stripe *lockStripe, txnID uint64, key string, expiresAt time.Time) (bool, lockInfo, error) {
	now := time.Now()
	if info, ok := stripe.keys[key]; ok {
		if info.txnID == txnID {
			stripe.keys[key] = lockInfo{txnID: txnID, expiresAt: expiresAt}
			return true, lockInfo{}, nil
		}
		if info.expired(now) {
			// Lock takeover: an expired holder's lock is treated as
			// abandoned. The holder is not notified.
			log.Warnf("txn %d stealing expired lock held by txn %d", txnID, info.txnID)
			stripe.keys[key] = lockInfo{txnID: txnID, expiresAt: expiresAt}
			return true, lockInfo{}, nil
		}
		return false, info, nil
	}
	if lt.maxNumLocks > 0 && m.lockCount.Load() >= lt.maxNumLocks {
		return false, lockInfo{}, errors.Annotate(ErrInvalidArgument, "too many locks")
	}
	stripe.keys[key] = lockInfo{txnID: txnID, expiresAt: expiresAt}
	m.lockCount.Inc()
	return true, lockInfo{}, nil
}

// unLock releases (cf, key) if it is currently held by txnID. Unlocking a
// key the transaction does not hold is a no-op, so releasing a key set that
// includes stolen or never-locked keys is safe.
func (lt *lockTable) unLock(txnID uint64, cf ColumnFamilyID, key string) {
	m, stripe, err := lt.getStripe(cf, key)
	if err != nil {
		// Column family already dropped; nothing to release.
		return
	}
	stripe.mu.Lock()
	if info, ok := stripe.keys[key]; ok && info.txnID == txnID {
		delete(stripe.keys, key)
		m.lockCount.Dec()
		stripe.broadcast()
	}
	stripe.mu.Unlock()
}
