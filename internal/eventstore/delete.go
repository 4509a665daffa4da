package eventstore

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/mev/pkg/log"
)

const defaultBatchLimit = 1024

func logSeq(seq uint64) log.Field { return log.Uint64("seq", seq) }

// deleteMatching removes the account's entries for which drop returns true,
// along with their uniqueness keys, committing every batchLimit deletes. It
// returns the count and seq range.
func (s *Store) deleteMatching(ctx context.Context, account string, batchLimit int, drop func(header) bool) (int, uint64, uint64, error) {
	if err := checkAccount(account); err != nil {
		return 0, 0, 0, err
	}
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	coll := s.locator.Collection(account)
	low := KeyEntry(coll, account, 0)
	hi := append(KeyEntry(coll, account, ^uint64(0)), 0x00)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, 0, 0, err
	}
	defer iter.Close()

	deleted := 0
	var minSeq, maxSeq uint64
	for ok := iter.First(); ok; {
		b := s.db.NewBatch()
		n := 0
		for ok && n < batchLimit {
			dec, valid := DecodeRecord(iter.Value())
			if valid {
				if h, hv := decodeHeader(dec.Header); hv && drop(h) {
					if err := b.Delete(iter.Key(), nil); err != nil {
						b.Close()
						return deleted, minSeq, maxSeq, err
					}
					if uk := uniqueKey(coll, account, h); uk != nil {
						if err := b.Delete(uk, nil); err != nil {
							b.Close()
							return deleted, minSeq, maxSeq, err
						}
					}
					seq := seqFromKey(iter.Key())
					if minSeq == 0 {
						minSeq = seq
					}
					maxSeq = seq
					n++
				}
			}
			ok = iter.Next()
		}
		if n > 0 {
			s.mu.Lock()
			err := s.db.CommitBatch(ctx, b)
			s.mu.Unlock()
			if err != nil {
				b.Close()
				return deleted, minSeq, maxSeq, err
			}
			deleted += n
		}
		b.Close()
	}
	return deleted, minSeq, maxSeq, nil
}

// DeleteDataSource removes the account's events that came from dsID.
func (s *Store) DeleteDataSource(ctx context.Context, account, dsID string) (int, error) {
	n, _, _, err := s.deleteMatching(ctx, account, 0, func(h header) bool { return h.dataSource == dsID })
	if err == nil && n > 0 {
		s.logger.Info("datasource events deleted", log.Account(account), log.Str("datasource", dsID), log.Int("events", n))
	}
	return n, err
}

// DeleteAccount removes every event of the account. Sequence numbers keep
// increasing afterwards.
func (s *Store) DeleteAccount(ctx context.Context, account string) error {
	if err := checkAccount(account); err != nil {
		return err
	}
	coll := s.locator.Collection(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range [][]byte{KeyEntryPrefix(coll, account), KeyUniquePrefix(coll, account)} {
		if err := s.db.DeletePrefix(ctx, p); err != nil {
			return err
		}
	}
	s.logger.Info("account events deleted", log.Account(account))
	return nil
}

// TrimOlderThan deletes the account's events stamped before cutoff and
// reports the deleted range to the retention hook.
func (s *Store) TrimOlderThan(ctx context.Context, account string, cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	n, minSeq, maxSeq, err := s.deleteMatching(ctx, account, 0, func(h header) bool { return h.tsMs < cutoffMs })
	if n > 0 {
		s.mu.Lock()
		hook := s.retention
		s.mu.Unlock()
		hook.EmitTrimRange(s.locator.Collection(account), account, minSeq, maxSeq)
	}
	return n, err
}

// TrimAll applies TrimOlderThan to every indexed account.
func (s *Store) TrimAll(ctx context.Context, cutoff time.Time) (int, error) {
	accounts, err := s.Accounts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, a := range accounts {
		n, err := s.TrimOlderThan(ctx, a, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		s.logger.Info("retention trim", log.Int("events", total), log.Int("accounts", len(accounts)))
	}
	return total, nil
}
