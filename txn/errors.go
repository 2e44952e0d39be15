package txn

import (
	"github.com/pingcap/errors"
)

// Sentinel errors for the transaction layer. Callers classify failures with
// the Is* helpers below rather than comparing directly, so errors can carry
// annotation context through errors.Annotate.
var (
	// ErrBusy means a conflicting committed write was detected. The caller
	// should retry the whole transaction.
	ErrBusy = errors.New("busy")

	// ErrTimedOut means a lock could not be acquired within the timeout.
	ErrTimedOut = errors.New("timed out")

	// ErrTryAgain means a conflict could not be ruled out because the store
	// no longer retains enough write history. Retrying with a fresher
	// validation point typically succeeds.
	ErrTryAgain = errors.New("try again")

	// ErrExpired means the transaction outlived its configured expiration.
	// The same transaction must not be retried.
	ErrExpired = errors.New("expired")

	// ErrNotFound is returned for missing keys and missing savepoints.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument covers bad column family handles, the lock-table
	// cap, and misuse of a finished transaction.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMergeInProgress means a read could not be resolved locally because
	// the transaction has buffered merge operands for the key.
	ErrMergeInProgress = errors.New("merge in progress")

	// ErrCorruption means an internal invariant was violated. Fatal to the
	// transaction, not the process.
	ErrCorruption = errors.New("corruption")
)

func IsBusy(err error) bool            { return errors.Cause(err) == ErrBusy }
func IsTimedOut(err error) bool        { return errors.Cause(err) == ErrTimedOut }
func IsTryAgain(err error) bool        { return errors.Cause(err) == ErrTryAgain }
func IsExpired(err error) bool         { return errors.Cause(err) == ErrExpired }
func IsNotFound(err error) bool        { return errors.Cause(err) == ErrNotFound }
func IsInvalidArgument(err error) bool { return errors.Cause(err) == ErrInvalidArgument }
func IsMergeInProgress(err error) bool { return errors.Cause(err) == ErrMergeInProgress }
func IsCorruption(err error) bool      { return errors.Cause(err) == ErrCorruption }
