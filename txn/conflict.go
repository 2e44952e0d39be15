package txn

import (
	"github.com/pingcap/errors"
)

// CheckKeyForConflicts succeeds iff it can prove that no write to (cf, key)
// was committed with a sequence number greater than sinceSeq.
//
// When the store has already evicted the history needed for the proof the
// check fails with ErrTryAgain instead of assuming safety. A conflicting
// write yields ErrBusy. The check is read-only and may run concurrently for
// many keys.
func CheckKeyForConflicts(s Store, cf ColumnFamilyID, key []byte, sinceSeq uint64) error {
	earliest := s.GetEarliestTrackedSequence(cf)
	if sinceSeq+1 < earliest {
		return errors.Annotatef(ErrTryAgain,
			"history to validate key against sequence %d is no longer retained (earliest %d)",
			sinceSeq, earliest)
	}
	seq, found, err := s.GetLatestSequenceForKey(cf, key)
	if err != nil {
		return errors.Trace(err)
	}
	if found && seq > sinceSeq {
		return errors.Annotatef(ErrBusy, "write conflict at sequence %d > %d", seq, sinceSeq)
	}
	return nil
}

// checkKeysForConflicts applies the single-key check to every tracked key.
// It must run on the store's write-serialization point, otherwise a
// conflicting write could land between validation and apply.
func checkKeysForConflicts(s Store, keys trackedKeyMap) error {
	for cf, cfKeys := range keys {
		for key, sinceSeq := range cfKeys {
			if err := CheckKeyForConflicts(s, cf, []byte(key), sinceSeq); err != nil {
				return err
			}
		}
	}
	return nil
}
