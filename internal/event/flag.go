package event

import "fmt"

// Flag is the per-message engagement state. It only ever moves one step
// forward: not_seen -> seen -> read -> replied.
type Flag uint8

const (
	FlagNotSeen Flag = iota
	FlagSeen
	FlagRead
	FlagReplied
)

var flagNames = [...]string{"not_seen", "seen", "read", "replied"}

func (f Flag) String() string {
	if int(f) < len(flagNames) {
		return flagNames[f]
	}
	return "not_seen"
}

// FlagOf decodes a stored flag byte; unknown values fall back to not_seen.
func FlagOf(b byte) Flag {
	if int(b) < len(flagNames) {
		return Flag(b)
	}
	return FlagNotSeen
}

// ParseFlag accepts the names returned by String.
func ParseFlag(s string) (Flag, error) {
	for i, n := range flagNames {
		if n == s {
			return Flag(i), nil
		}
	}
	return FlagNotSeen, fmt.Errorf("event: unknown flag %q", s)
}

// CanAdvanceTo is true only when next is exactly one step after f.
func (f Flag) CanAdvanceTo(next Flag) bool {
	return int(next) == int(f)+1 && int(next) < len(flagNames)
}

// EventType returns the event logged when a message reaches f.
func (f Flag) EventType() (Type, bool) {
	switch f {
	case FlagSeen:
		return TypeSeen, true
	case FlagRead:
		return TypeRead, true
	case FlagReplied:
		return TypeReplied, true
	}
	return TypeUnknown, false
}
