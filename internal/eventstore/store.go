package eventstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/mev/internal/event"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	"github.com/rzbill/mev/pkg/id"
	"github.com/rzbill/mev/pkg/log"
)

var (
	ErrInvalidAccount = errors.New("eventstore: invalid account id")
	ErrClosed         = errors.New("eventstore: closed")
)

// RetentionHook is invoked after a trim commits with the deleted sequence range.
type RetentionHook interface {
	EmitTrimRange(collection, account string, minSeq, maxSeq uint64)
}

type noopRetention struct{}

func (noopRetention) EmitTrimRange(string, string, uint64, uint64) {}

// Options configures a Store.
type Options struct {
	Locator   CollectionLocator
	Retention RetentionHook
	Logger    log.Logger
}

type accountState struct {
	lastSeq  uint64
	notifyCh chan struct{}
}

// Store is the Pebble-backed event history of all accounts.
type Store struct {
	db        *pebblestore.DB
	locator   CollectionLocator
	retention RetentionHook
	logger    log.Logger
	ids       *id.Generator

	mu       sync.Mutex
	accounts map[string]*accountState
}

// Open returns a store over db.
func Open(db *pebblestore.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("eventstore: nil db")
	}
	if opts.Locator == nil {
		opts.Locator = AccountLocator("events")
	}
	if opts.Retention == nil {
		opts.Retention = noopRetention{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Store{
		db:        db,
		locator:   opts.Locator,
		retention: opts.Retention,
		logger:    opts.Logger.WithComponent("eventstore"),
		ids:       id.NewGenerator(),
		accounts:  make(map[string]*accountState),
	}, nil
}

// SetRetentionHook replaces the hook called by trims.
func (s *Store) SetRetentionHook(h RetentionHook) {
	if h == nil {
		h = noopRetention{}
	}
	s.mu.Lock()
	s.retention = h
	s.mu.Unlock()
}

func checkAccount(account string) error {
	if account == "" || strings.ContainsRune(account, '/') {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return nil
}

// state loads the account's last sequence on first use. Caller holds s.mu.
func (s *Store) state(account string) *accountState {
	st, ok := s.accounts[account]
	if ok {
		return st
	}
	st = &accountState{notifyCh: make(chan struct{})}
	meta, err := s.db.Get(KeyAccountMeta(s.locator.Collection(account), account))
	if err == nil && len(meta) >= 8 {
		st.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	s.accounts[account] = st
	return st
}

// Append stores events atomically and returns their sequence numbers.
// Events without an ID are assigned one. An event whose type, message id and
// datasource match an already stored event (or an earlier one in the same
// call) is skipped and reported with seq 0; the first copy wins.
func (s *Store) Append(ctx context.Context, account string, events []event.Event) ([]uint64, error) {
	if err := checkAccount(account); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, err
		}
		if events[i].AccountID != account {
			return nil, fmt.Errorf("%w: event for %q appended to %q", event.ErrInvalidEvent, events[i].AccountID, account)
		}
	}
	coll := s.locator.Collection(account)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(account)

	b := s.db.NewBatch()
	defer b.Close()

	seqs := make([]uint64, len(events))
	next := st.lastSeq
	batchKeys := make(map[string]struct{})
	skipped := 0
	for i, e := range events {
		h := headerOf(e)
		uk := uniqueKey(coll, account, h)
		if uk != nil {
			dup, err := s.stored(uk, batchKeys)
			if err != nil {
				return nil, err
			}
			if dup {
				skipped++
				continue
			}
		}
		if e.ID.IsZero() {
			e.ID = s.ids.Next()
		}
		next++
		val := EncodeRecord(encodeHeader(h), event.Marshal(e))
		if err := b.Set(KeyEntry(coll, account, next), val, nil); err != nil {
			return nil, err
		}
		if uk != nil {
			batchKeys[string(uk)] = struct{}{}
			if err := b.Set(uk, appendBE8(nil, next), nil); err != nil {
				return nil, err
			}
		}
		seqs[i] = next
	}
	if skipped > 0 {
		s.logger.Debug("skipped already stored events", log.Account(account), log.Int("events", skipped))
	}
	if next == st.lastSeq {
		return seqs, nil
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyAccountMeta(coll, account), meta[:], nil); err != nil {
		return nil, err
	}
	if st.lastSeq == 0 {
		if err := b.Set(KeyAccountIndex(account), []byte(coll), nil); err != nil {
			return nil, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	st.lastSeq = next

	close(st.notifyCh)
	st.notifyCh = make(chan struct{})
	return seqs, nil
}

// stored reports whether uk is already indexed, in the DB or earlier in the
// pending batch. Caller holds s.mu.
func (s *Store) stored(uk []byte, pending map[string]struct{}) (bool, error) {
	if _, ok := pending[string(uk)]; ok {
		return true, nil
	}
	_, err := s.db.Get(uk)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pebble.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// LastSeq returns the highest sequence assigned to the account.
func (s *Store) LastSeq(account string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(account).lastSeq
}

// Accounts lists every account that has ever stored an event.
func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.ScanPrefix(accountIndex, func(k, _ []byte) bool {
		out = append(out, string(k[len(accountIndex):]))
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	return out, ctx.Err()
}
