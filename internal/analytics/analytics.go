package analytics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/internal/eventstore"
	"github.com/rzbill/mev/pkg/log"
)

// ErrEmptyContact is returned by contact queries given a blank address.
var ErrEmptyContact = errors.New("analytics: empty contact")

// Source is the slice of the event store analytics reads from.
type Source interface {
	Scan(ctx context.Context, account string, f eventstore.Filter, fn func(eventstore.Record) bool) error
}

// Options configures an Analyzer.
type Options struct {
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
	// DefaultTZOffset is the graph offset in minutes callers fall back to.
	DefaultTZOffset int
	Logger          log.Logger
}

// Analyzer runs contact analytics over a Source.
type Analyzer struct {
	src      Source
	now      func() time.Time
	tzOffset int
	logger   log.Logger
}

// New returns an Analyzer reading from src.
func New(src Source, opts Options) *Analyzer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Analyzer{
		src:      src,
		now:      opts.Now,
		tzOffset: opts.DefaultTZOffset,
		logger:   opts.Logger.WithComponent("analytics"),
	}
}

// DefaultTZOffset is the configured graph offset in minutes.
func (a *Analyzer) DefaultTZOffset() int { return a.tzOffset }

func normContact(c string) (string, error) {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "", ErrEmptyContact
	}
	return c, nil
}

// exchanged reports whether e is mail sent to or received from contact.
func exchanged(e event.Event, contact string, ft FrequencyType) bool {
	sent := e.Type == event.TypeSent && strings.EqualFold(e.Receiver(), contact)
	recv := e.Type == event.TypeReceived && strings.EqualFold(e.Sender(), contact)
	switch ft {
	case FrequencySent:
		return sent
	case FrequencyReceived:
		return recv
	}
	return sent || recv
}

func frequencyTypes(ft FrequencyType) []event.Type {
	switch ft {
	case FrequencySent:
		return []event.Type{event.TypeSent}
	case FrequencyReceived:
		return []event.Type{event.TypeReceived}
	}
	return []event.Type{event.TypeCombined}
}

// ContactFrequency counts messages exchanged with contact inside r. Sent mail
// counts when the contact is the receiver, received mail when it is the
// sender.
func (a *Analyzer) ContactFrequency(ctx context.Context, account, contact string, ft FrequencyType, r Range) (int64, error) {
	defer observe("frequency", time.Now())
	contact, err := normContact(contact)
	if err != nil {
		return 0, err
	}
	f := eventstore.Filter{Types: frequencyTypes(ft), Contact: contact}
	now := a.now()
	if w := r.Window(); w > 0 {
		f.Since = now.Add(-w)
		f.Until = now.Add(time.Millisecond)
	}
	var n int64
	err = a.src.Scan(ctx, account, f, func(rec eventstore.Record) bool {
		if exchanged(rec.Event, contact, ft) {
			n++
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	a.logger.Debug("contact frequency",
		log.Account(account), log.Str("type", ft.String()), log.Str("range", r.String()), log.Int64("count", n))
	return n, nil
}

// bucketStarts returns the ascending bucket boundaries of g ending at now.
func bucketStarts(g GraphRange, now time.Time) []time.Time {
	y, m, d := now.Date()
	loc := now.Location()
	var start time.Time
	var next func(time.Time) time.Time
	switch g {
	case GraphCurrentMonth:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
		next = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case GraphLastSixMonths:
		week := time.Date(y, m, d-int(now.Weekday()), 0, 0, 0, 0, loc)
		start = week.AddDate(0, -6, 0)
		start = start.AddDate(0, 0, -int(start.Weekday()))
		next = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	default:
		start = time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		next = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	}
	var out []time.Time
	for t := start; !t.After(now); t = next(t) {
		out = append(out, t)
	}
	return out
}

// ContactFrequencyGraph spreads the mail exchanged with contact over day,
// week or month buckets in the caller's UTC offset and returns the non-empty
// buckets in time order.
func (a *Analyzer) ContactFrequencyGraph(ctx context.Context, account, contact string, g GraphRange, tzOffsetMinutes int) ([]DataPoint, error) {
	defer observe("graph", time.Now())
	contact, err := normContact(contact)
	if err != nil {
		return nil, err
	}
	loc := time.FixedZone("", tzOffsetMinutes*60)
	now := a.now().In(loc)
	starts := bucketStarts(g, now)
	if len(starts) == 0 {
		return nil, nil
	}
	counts := make([]int64, len(starts))
	f := eventstore.Filter{
		Types:   []event.Type{event.TypeCombined},
		Contact: contact,
		Since:   starts[0],
		Until:   now.Add(time.Millisecond),
	}
	err = a.src.Scan(ctx, account, f, func(rec eventstore.Record) bool {
		if !exchanged(rec.Event, contact, FrequencyCombined) {
			return true
		}
		ts := rec.Event.Timestamp
		i := sort.Search(len(starts), func(i int) bool { return starts[i].After(ts) }) - 1
		if i >= 0 {
			counts[i]++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	points := make([]DataPoint, 0, len(starts))
	for i, c := range counts {
		if c == 0 {
			continue
		}
		points = append(points, DataPoint{Label: starts[i].Format(time.RFC3339), Value: c})
	}
	return points, nil
}

// ratioFromContact divides the number of typ events from contact by the
// number of messages received from contact.
func (a *Analyzer) ratioFromContact(ctx context.Context, account, contact string, typ event.Type) (float64, error) {
	contact, err := normContact(contact)
	if err != nil {
		return 0, err
	}
	var received, matched int
	f := eventstore.Filter{Types: []event.Type{event.TypeReceived, typ}, Contact: contact}
	err = a.src.Scan(ctx, account, f, func(rec eventstore.Record) bool {
		if !strings.EqualFold(rec.Event.Sender(), contact) {
			return true
		}
		switch rec.Event.Type {
		case event.TypeReceived:
			received++
		case typ:
			matched++
		}
		return true
	})
	if err != nil || received == 0 {
		return 0, err
	}
	return float64(matched) / float64(received), nil
}

// PercentageOpened is the share of mail received from contact that was read.
// It is 0 when nothing was received.
func (a *Analyzer) PercentageOpened(ctx context.Context, account, contact string) (float64, error) {
	defer observe("opened", time.Now())
	return a.ratioFromContact(ctx, account, contact, event.TypeRead)
}

// PercentageReplied is the share of mail received from contact that was
// answered.
func (a *Analyzer) PercentageReplied(ctx context.Context, account, contact string) (float64, error) {
	defer observe("replied", time.Now())
	return a.ratioFromContact(ctx, account, contact, event.TypeReplied)
}

type msgKey struct {
	ds string
	id int64
}

type openTimes struct {
	seen, read time.Time
}

// avgTimeToOpen pairs the first SEEN and first READ of each message and
// averages the gap in seconds. An empty contact covers every sender.
func (a *Analyzer) avgTimeToOpen(ctx context.Context, account, contact string) (float64, error) {
	f := eventstore.Filter{Types: []event.Type{event.TypeSeen, event.TypeRead}, Contact: contact}
	msgs := make(map[msgKey]*openTimes)
	err := a.src.Scan(ctx, account, f, func(rec eventstore.Record) bool {
		e := rec.Event
		if contact != "" && !strings.EqualFold(e.Sender(), contact) {
			return true
		}
		k := msgKey{ds: e.DataSourceID, id: e.MsgID()}
		ot := msgs[k]
		if ot == nil {
			ot = &openTimes{}
			msgs[k] = ot
		}
		switch e.Type {
		case event.TypeSeen:
			if ot.seen.IsZero() || e.Timestamp.Before(ot.seen) {
				ot.seen = e.Timestamp
			}
		case event.TypeRead:
			if ot.read.IsZero() || e.Timestamp.Before(ot.read) {
				ot.read = e.Timestamp
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	var total time.Duration
	n := 0
	for _, ot := range msgs {
		if ot.seen.IsZero() || ot.read.IsZero() || ot.read.Before(ot.seen) {
			continue
		}
		total += ot.read.Sub(ot.seen)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total.Seconds() / float64(n), nil
}

// AvgTimeToOpen is the mean number of seconds between a message from contact
// being seen and being read.
func (a *Analyzer) AvgTimeToOpen(ctx context.Context, account, contact string) (float64, error) {
	defer observe("time_to_open", time.Now())
	contact, err := normContact(contact)
	if err != nil {
		return 0, err
	}
	return a.avgTimeToOpen(ctx, account, contact)
}

// AvgTimeToOpenForAccount is AvgTimeToOpen across all senders.
func (a *Analyzer) AvgTimeToOpenForAccount(ctx context.Context, account string) (float64, error) {
	defer observe("time_to_open_account", time.Now())
	return a.avgTimeToOpen(ctx, account, "")
}

// RatioOfAvgTimeToOpenToGlobal compares contact's time to open with the
// account-wide figure. It is 0 when the account has no opened mail.
func (a *Analyzer) RatioOfAvgTimeToOpenToGlobal(ctx context.Context, account, contact string) (float64, error) {
	defer observe("time_to_open_ratio", time.Now())
	contact, err := normContact(contact)
	if err != nil {
		return 0, err
	}
	global, err := a.avgTimeToOpen(ctx, account, "")
	if err != nil || global == 0 {
		return 0, err
	}
	mine, err := a.avgTimeToOpen(ctx, account, contact)
	if err != nil {
		return 0, err
	}
	return mine / global, nil
}
