package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds optimistic transaction retries
const maxConflictRetries = 50

// updateWithRetry runs fn in a read-write transaction, retrying when Badger
// reports a conflicting concurrent commit. This gives compare-and-swap semantics.
func (b *BadgerDB) updateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := b.Badger().Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d attempts", maxConflictRetries)
}
