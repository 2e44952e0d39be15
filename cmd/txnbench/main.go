package main

import (
	"flag"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap-incubator/tinytxn/config"
	"github.com/pingcap-incubator/tinytxn/memstore"
	"github.com/pingcap-incubator/tinytxn/txn"
)

var (
	configPath = flag.String("config", "", "config file path")
	mode       = flag.String("mode", "pessimistic", "pessimistic or optimistic")
	workers    = flag.Int("workers", 8, "concurrent workers")
	accounts   = flag.Int("accounts", 64, "number of accounts")
	opsPerW    = flag.Int("ops", 2000, "transfer transactions per worker")
)

const initialBalance = 1000

func main() {
	flag.Parse()
	conf := loadConfig()
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	store := memstore.NewStore(memstore.Options{})
	seed(store)

	begin, err := beginner(conf, store)
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			return runWorker(w, begin)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	elapsed := time.Since(start)

	if err := verify(store); err != nil {
		log.Fatal(err)
	}
	total := *workers * *opsPerW
	log.Infof("%s: %d transfers in %v (%.0f txn/s)",
		*mode, total, elapsed, float64(total)/elapsed.Seconds())
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &conf); err != nil {
			log.Fatal(err)
		}
	}
	return &conf
}

// beginner returns a BeginTransaction closure over the configured coordinator.
func beginner(conf *config.Config, store *memstore.Store) (func() txn.Transaction, error) {
	txnOpts := txn.DefaultTransactionOptions
	txnOpts.Expiration = conf.Txn.Expiration
	switch *mode {
	case "pessimistic":
		db := txn.NewTransactionDB(store, conf.Txn.DBOptions())
		return func() txn.Transaction {
			return db.BeginTransaction(txn.WriteOptions{}, txnOpts)
		}, nil
	case "optimistic":
		db := txn.NewOptimisticTransactionDB(store)
		opts := txnOpts
		opts.SetSnapshot = true
		return func() txn.Transaction {
			return db.BeginTransaction(txn.WriteOptions{}, opts)
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", *mode)
	}
}

func seed(store *memstore.Store) {
	wb := txn.NewWriteBatch()
	for i := 0; i < *accounts; i++ {
		wb.Put(txn.DefaultColumnFamilyID, accountKey(i), encodeBalance(initialBalance))
	}
	if _, err := store.Write(txn.WriteOptions{}, wb, nil); err != nil {
		log.Fatal(err)
	}
}

func runWorker(id int, begin func() txn.Transaction) error {
	rng := rand.New(rand.NewSource(int64(id) + 1))
	for i := 0; i < *opsPerW; i++ {
		for {
			err := transfer(begin(), rng)
			if err == nil {
				break
			}
			if txn.IsBusy(err) || txn.IsTimedOut(err) || txn.IsTryAgain(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// transfer moves a random amount between two random accounts. The
// transaction is rolled back on any failure so its locks never leak.
func transfer(t txn.Transaction, rng *rand.Rand) error {
	defer t.Rollback()

	from := rng.Intn(*accounts)
	to := rng.Intn(*accounts)
	if from == to {
		to = (to + 1) % *accounts
	}

	fromVal, err := t.GetForUpdate(txn.DefaultColumnFamilyID, accountKey(from), true)
	if err != nil {
		return err
	}
	toVal, err := t.GetForUpdate(txn.DefaultColumnFamilyID, accountKey(to), true)
	if err != nil {
		return err
	}

	fromBalance := decodeBalance(fromVal)
	toBalance := decodeBalance(toVal)
	amount := rng.Int63n(10) + 1
	if fromBalance < amount {
		return nil
	}
	if err := t.Put(txn.DefaultColumnFamilyID, accountKey(from), encodeBalance(fromBalance-amount)); err != nil {
		return err
	}
	if err := t.Put(txn.DefaultColumnFamilyID, accountKey(to), encodeBalance(toBalance+amount)); err != nil {
		return err
	}
	return t.Commit()
}

func verify(store *memstore.Store) error {
	var total int64
	for i := 0; i < *accounts; i++ {
		val, err := store.Get(nil, txn.DefaultColumnFamilyID, accountKey(i))
		if err != nil {
			return err
		}
		total += decodeBalance(val)
	}
	want := int64(*accounts) * initialBalance
	if total != want {
		return fmt.Errorf("balance total drifted: got %d, want %d", total, want)
	}
	log.Infof("balance total intact at %d", total)
	return nil
}

func accountKey(i int) []byte {
	return []byte(fmt.Sprintf("account-%04d", i))
}

func encodeBalance(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeBalance(b []byte) int64 {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		log.Fatalf("corrupt balance %q: %v", b, err)
	}
	return v
}
