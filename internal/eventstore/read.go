package eventstore

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/mev/internal/event"
)

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	// Types to include. TypeCombined expands to sent and received.
	Types        []event.Type
	DataSourceID string
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
	// Contact matches the sender or receiver address, case-insensitively.
	Contact string
	// AfterSeq resumes a forward scan after the given sequence, or a reverse
	// scan before it.
	AfterSeq uint64
	Limit    int
	Reverse  bool
}

// Record is a stored event with its sequence.
type Record struct {
	Seq   uint64
	Event event.Event
}

type matcher struct {
	types   map[event.Type]bool
	ds      string
	sinceMs int64
	untilMs int64
	contact string
}

func newMatcher(f Filter) matcher {
	m := matcher{ds: f.DataSourceID, contact: strings.ToLower(strings.TrimSpace(f.Contact))}
	if len(f.Types) > 0 {
		m.types = make(map[event.Type]bool, len(f.Types)+1)
		for _, t := range f.Types {
			if t == event.TypeCombined {
				m.types[event.TypeSent] = true
				m.types[event.TypeReceived] = true
				continue
			}
			m.types[t] = true
		}
	}
	if !f.Since.IsZero() {
		m.sinceMs = f.Since.UnixMilli()
	}
	if !f.Until.IsZero() {
		m.untilMs = f.Until.UnixMilli()
	}
	return m
}

func (m matcher) header(h header) bool {
	if m.types != nil && !m.types[h.typ] {
		return false
	}
	if m.ds != "" && h.dataSource != m.ds {
		return false
	}
	if m.sinceMs != 0 && h.tsMs < m.sinceMs {
		return false
	}
	if m.untilMs != 0 && h.tsMs >= m.untilMs {
		return false
	}
	return true
}

func (m matcher) event(e event.Event) bool {
	if m.contact == "" {
		return true
	}
	return strings.EqualFold(e.Sender(), m.contact) || strings.EqualFold(e.Receiver(), m.contact)
}

// Scan streams matching records to fn in sequence order until fn returns
// false or Limit records were delivered. Corrupt entries are skipped.
func (s *Store) Scan(ctx context.Context, account string, f Filter, fn func(Record) bool) error {
	if err := checkAccount(account); err != nil {
		return err
	}
	coll := s.locator.Collection(account)
	prefix := KeyEntryPrefix(coll, account)
	low := KeyEntry(coll, account, 0)
	hi := append(KeyEntry(coll, account, ^uint64(0)), 0x00)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()

	var ok bool
	switch {
	case f.Reverse && f.AfterSeq > 0:
		ok = iter.SeekLT(KeyEntry(coll, account, f.AfterSeq))
	case f.Reverse:
		ok = iter.Last()
	case f.AfterSeq > 0:
		ok = iter.SeekGE(KeyEntry(coll, account, f.AfterSeq+1))
	default:
		ok = iter.First()
	}

	m := newMatcher(f)
	delivered := 0
	for ; ok; ok = step(iter, f.Reverse) {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := iter.Key()
		if len(k) != len(prefix)+8 {
			continue
		}
		dec, valid := DecodeRecord(iter.Value())
		if !valid {
			s.logger.Warn("skipping corrupt entry", logSeq(seqFromKey(k)))
			continue
		}
		h, valid := decodeHeader(dec.Header)
		if !valid || !m.header(h) {
			continue
		}
		e, err := event.Unmarshal(dec.Payload)
		if err != nil {
			s.logger.Warn("skipping undecodable entry", logSeq(seqFromKey(k)))
			continue
		}
		if !m.event(e) {
			continue
		}
		delivered++
		if !fn(Record{Seq: seqFromKey(k), Event: e}) {
			return nil
		}
		if f.Limit > 0 && delivered >= f.Limit {
			return nil
		}
	}
	return nil
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

// Query collects matching records.
func (s *Store) Query(ctx context.Context, account string, f Filter) ([]Record, error) {
	out := make([]Record, 0, max(1, min(f.Limit, 1024)))
	err := s.Scan(ctx, account, f, func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out, err
}

// Count returns how many records match f, honoring Limit as a cap.
func (s *Store) Count(ctx context.Context, account string, f Filter) (int, error) {
	n := 0
	err := s.Scan(ctx, account, f, func(Record) bool {
		n++
		return true
	})
	return n, err
}
