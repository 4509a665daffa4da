package analytics

import (
	"fmt"
	"strings"
	"time"
)

// FrequencyType selects which direction of traffic ContactFrequency counts.
type FrequencyType int

const (
	FrequencySent FrequencyType = iota
	FrequencyReceived
	FrequencyCombined
)

var frequencyNames = map[FrequencyType]string{
	FrequencySent:     "sent",
	FrequencyReceived: "received",
	FrequencyCombined: "combined",
}

func (t FrequencyType) String() string {
	if s, ok := frequencyNames[t]; ok {
		return s
	}
	return fmt.Sprintf("frequency(%d)", int(t))
}

// ParseFrequencyType accepts the lower-case names, case-insensitively.
func ParseFrequencyType(s string) (FrequencyType, error) {
	for t, name := range frequencyNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("analytics: unknown frequency type %q", s)
}

// Range is the look-back window of ContactFrequency.
type Range int

const (
	RangeLastDay Range = iota
	RangeLastWeek
	RangeLastMonth
	RangeForever
)

var rangeNames = map[Range]string{
	RangeLastDay:   "last_day",
	RangeLastWeek:  "last_week",
	RangeLastMonth: "last_month",
	RangeForever:   "forever",
}

func (r Range) String() string {
	if s, ok := rangeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("range(%d)", int(r))
}

// Window returns how far back the range reaches; zero means unbounded.
func (r Range) Window() time.Duration {
	switch r {
	case RangeLastDay:
		return 24 * time.Hour
	case RangeLastWeek:
		return 7 * 24 * time.Hour
	case RangeLastMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ParseRange accepts the lower-case names, case-insensitively.
func ParseRange(s string) (Range, error) {
	for r, name := range rangeNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("analytics: unknown range %q", s)
}

// GraphRange selects the span and bucket width of ContactFrequencyGraph.
type GraphRange int

const (
	// GraphCurrentMonth buckets per day since the first of the month.
	GraphCurrentMonth GraphRange = iota
	// GraphLastSixMonths buckets per Sunday-started week over six months.
	GraphLastSixMonths
	// GraphCurrentYear buckets per month since January.
	GraphCurrentYear
)

var graphNames = map[GraphRange]string{
	GraphCurrentMonth:  "current_month",
	GraphLastSixMonths: "last_six_months",
	GraphCurrentYear:   "current_year",
}

func (g GraphRange) String() string {
	if s, ok := graphNames[g]; ok {
		return s
	}
	return fmt.Sprintf("graph(%d)", int(g))
}

// ParseGraphRange accepts the lower-case names, case-insensitively.
func ParseGraphRange(s string) (GraphRange, error) {
	for g, name := range graphNames {
		if strings.EqualFold(s, name) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("analytics: unknown graph range %q", s)
}

// DataPoint is one bucket of a frequency graph. Label is the bucket start in
// the caller's offset.
type DataPoint struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}
