// Package msgflags keeps the engagement flag of every message and logs an
// event each time a message moves one step along not_seen, seen, read,
// replied.
package msgflags

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/mev/internal/event"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	"github.com/rzbill/mev/pkg/log"
)

// sentByMe is stored in place of a flag for the account's own messages.
const sentByMe byte = 0xff

const stripes = 64

var ErrInvalidAccount = errors.New("msgflags: invalid account id")

// EventLogger receives the events produced by flag transitions.
type EventLogger interface {
	Log(e event.Event) error
}

// Options configures a Tracker.
type Options struct {
	Now    func() time.Time
	Logger log.Logger
}

// State is the stored view of one message.
type State struct {
	Flag     event.Flag `json:"flag"`
	SentByMe bool       `json:"sent_by_me"`
}

// Tracker stores message flags in Pebble.
type Tracker struct {
	db     *pebblestore.DB
	events EventLogger
	now    func() time.Time
	logger log.Logger

	locks [stripes]sync.Mutex
}

// New returns a Tracker that logs transitions to events.
func New(db *pebblestore.DB, events EventLogger, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Tracker{db: db, events: events, now: opts.Now, logger: opts.Logger.WithComponent("msgflags")}
}

// keyAccountPrefix is "f/{account}\x00".
func keyAccountPrefix(account string) []byte {
	k := make([]byte, 0, 3+len(account))
	k = append(k, "f/"...)
	k = append(k, account...)
	return append(k, 0)
}

// keyMessage is "f/{account}\x00{ds}\x00{msgID BE8}".
func keyMessage(account, dsID string, msgID int64) []byte {
	k := keyAccountPrefix(account)
	k = append(k, dsID...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, uint64(msgID))
}

func checkAccount(account string) error {
	if strings.TrimSpace(account) == "" || strings.ContainsRune(account, 0) {
		return ErrInvalidAccount
	}
	return nil
}

func (t *Tracker) lock(account, dsID string, msgID int64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	_, _ = h.Write([]byte(dsID))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(msgID))
	_, _ = h.Write(b[:])
	return &t.locks[h.Sum32()%stripes]
}

func (t *Tracker) load(key []byte) (State, error) {
	v, err := t.db.Get(key)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	if len(v) == 0 {
		return State{}, nil
	}
	if v[0] == sentByMe {
		return State{SentByMe: true}, nil
	}
	return State{Flag: event.FlagOf(v[0])}, nil
}

// Get returns the stored state; unknown messages are not_seen.
func (t *Tracker) Get(ctx context.Context, account, dsID string, msgID int64) (State, error) {
	if err := checkAccount(account); err != nil {
		return State{}, err
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	return t.load(keyMessage(account, dsID, msgID))
}

// MarkSentByMe records that the account authored the message. Such messages
// never advance.
func (t *Tracker) MarkSentByMe(ctx context.Context, account, dsID string, msgID int64) error {
	if err := checkAccount(account); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := t.lock(account, dsID, msgID)
	mu.Lock()
	defer mu.Unlock()
	return t.db.Set(keyMessage(account, dsID, msgID), []byte{sentByMe})
}

// Advance moves the message to next when next is exactly one step ahead of
// the stored flag, logging the matching event. It reports whether the flag
// moved.
func (t *Tracker) Advance(ctx context.Context, account string, msgID int64, sender, dsID string, next event.Flag) (bool, error) {
	if err := checkAccount(account); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	typ, ok := next.EventType()
	if !ok {
		return false, nil
	}
	mu := t.lock(account, dsID, msgID)
	mu.Lock()
	defer mu.Unlock()

	key := keyMessage(account, dsID, msgID)
	st, err := t.load(key)
	if err != nil {
		return false, err
	}
	if st.SentByMe || !st.Flag.CanAdvanceTo(next) {
		return false, nil
	}

	var e event.Event
	ts := t.now()
	switch typ {
	case event.TypeSeen:
		e = event.NewSeen(account, msgID, sender, dsID, ts)
	case event.TypeRead:
		e = event.NewRead(account, msgID, sender, dsID, ts)
	default:
		e = event.NewReplied(account, msgID, sender, dsID, ts)
	}
	if err := t.events.Log(e); err != nil {
		return false, fmt.Errorf("msgflags: log %s event: %w", typ, err)
	}
	if err := t.db.Set(key, []byte{byte(next)}); err != nil {
		// the event is already queued; a retry may log it twice
		t.logger.Warn("failed to persist flag after logging event",
			log.Account(account), log.Int64("msg_id", msgID), log.Str("flag", next.String()), log.Err(err))
		return true, err
	}
	return true, nil
}

// Forget drops the message state and logs a DELETED event unless the message
// was sent by the account.
func (t *Tracker) Forget(ctx context.Context, account, dsID string, msgID int64) error {
	if err := checkAccount(account); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := t.lock(account, dsID, msgID)
	mu.Lock()
	defer mu.Unlock()

	key := keyMessage(account, dsID, msgID)
	st, err := t.load(key)
	if err != nil {
		return err
	}
	if !st.SentByMe {
		if err := t.events.Log(event.NewDeleted(account, msgID, dsID, t.now())); err != nil {
			return fmt.Errorf("msgflags: log deleted event: %w", err)
		}
	}
	return t.db.Delete(key)
}

// DeleteAccount removes every stored flag of the account.
func (t *Tracker) DeleteAccount(ctx context.Context, account string) error {
	if err := checkAccount(account); err != nil {
		return err
	}
	return t.db.DeletePrefix(ctx, keyAccountPrefix(account))
}
