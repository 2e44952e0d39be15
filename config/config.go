package config

import (
	"github.com/pingcap-incubator/tinytxn/txn"
)

type Config struct {
	LogLevel string    `toml:"log-level"`
	Txn      TxnConfig `toml:"txn"` // Transaction layer options.
}

type TxnConfig struct {
	NumStripes  int   `toml:"num-stripes"`   // Lock table stripes per column family.
	MaxNumLocks int64 `toml:"max-num-locks"` // Cap on locked keys per column family, <= 0 for no cap.

	// Lock timeout in milliseconds for transactions that don't set their own.
	// 0 fails immediately, negative waits forever.
	TransactionLockTimeout int64 `toml:"txn-lock-timeout"`

	// Lock timeout in milliseconds for plain non-transactional writes.
	DefaultLockTimeout int64 `toml:"default-lock-timeout"`

	// Transaction expiration in milliseconds, negative to never expire.
	Expiration int64 `toml:"expiration"`
}

var DefaultConf = Config{
	LogLevel: "info",
	Txn: TxnConfig{
		NumStripes:             16,
		MaxNumLocks:            -1,
		TransactionLockTimeout: 1000,
		DefaultLockTimeout:     1000,
		Expiration:             -1,
	},
}

// DBOptions converts the config into pessimistic coordinator options.
func (c *TxnConfig) DBOptions() txn.TransactionDBOptions {
	return txn.TransactionDBOptions{
		NumStripes:             c.NumStripes,
		MaxNumLocks:            c.MaxNumLocks,
		TransactionLockTimeout: c.TransactionLockTimeout,
		DefaultLockTimeout:     c.DefaultLockTimeout,
	}
}
