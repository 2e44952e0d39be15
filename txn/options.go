package txn

// WriteOptions is carried through to the store on commit. The store decides
// what sync means; the transaction layer only forwards it.
type WriteOptions struct {
	Sync bool
}

// TransactionOptions configures a single transaction.
type TransactionOptions struct {
	// SetSnapshot pins the transaction to a snapshot taken at Begin time,
	// so every tracked key is validated against it.
	SetSnapshot bool

	// LockTimeout is the time in milliseconds a lock acquisition may block.
	// 0 fails immediately if the lock is held. A negative value falls back
	// to the DB's TransactionLockTimeout.
	LockTimeout int64

	// Expiration is the time in milliseconds after which the transaction
	// may no longer commit and its locks may be stolen. Negative means the
	// transaction never expires.
	Expiration int64
}

// DefaultTransactionOptions matches an unconfigured transaction: no pinned
// snapshot, DB-default lock timeout, no expiration.
var DefaultTransactionOptions = TransactionOptions{
	LockTimeout: -1,
	Expiration:  -1,
}

// TransactionDBOptions configures the pessimistic coordinator DB. The
// optimistic coordinator takes no locking configuration since it never locks.
type TransactionDBOptions struct {
	// NumStripes is the number of lock-table stripes per column family.
	NumStripes int

	// MaxNumLocks caps the number of keys locked per column family.
	// Non-positive means uncapped.
	MaxNumLocks int64

	// TransactionLockTimeout is the lock timeout in milliseconds for
	// transactions that do not set their own. Negative means lock waits
	// never time out.
	TransactionLockTimeout int64

	// DefaultLockTimeout is the lock timeout in milliseconds for
	// non-transactional writes issued directly against the DB. Negative
	// means those waits never time out.
	DefaultLockTimeout int64
}

// DefaultTransactionDBOptions mirrors the engine defaults: 16 stripes,
// uncapped locks, one second timeouts.
var DefaultTransactionDBOptions = TransactionDBOptions{
	NumStripes:             16,
	MaxNumLocks:            -1,
	TransactionLockTimeout: 1000,
	DefaultLockTimeout:     1000,
}
