package config

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDecode(t *testing.T) {
	data := `
log-level = "debug"

[txn]
num-stripes = 32
max-num-locks = 10000
txn-lock-timeout = 500
default-lock-timeout = 250
expiration = 30000
`
	conf := DefaultConf
	_, err := toml.Decode(data, &conf)
	require.NoError(t, err)

	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, 32, conf.Txn.NumStripes)
	assert.EqualValues(t, 10000, conf.Txn.MaxNumLocks)
	assert.EqualValues(t, 500, conf.Txn.TransactionLockTimeout)
	assert.EqualValues(t, 250, conf.Txn.DefaultLockTimeout)
	assert.EqualValues(t, 30000, conf.Txn.Expiration)

	opts := conf.Txn.DBOptions()
	assert.Equal(t, 32, opts.NumStripes)
	assert.EqualValues(t, 10000, opts.MaxNumLocks)
}

func TestConfigDefaultsSurvivePartialDecode(t *testing.T) {
	conf := DefaultConf
	_, err := toml.Decode(`log-level = "warn"`, &conf)
	require.NoError(t, err)
	assert.Equal(t, "warn", conf.LogLevel)
	assert.Equal(t, DefaultConf.Txn, conf.Txn)
}
