package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/mev/pkg/id"
)

// Type identifies what happened to a message.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeSent
	TypeReceived
	TypeSeen
	TypeRead
	TypeReplied
	TypeAffinity
	TypeDeleted
	// TypeCombined is a query selector meaning sent+received. It is never stored.
	TypeCombined
)

var typeNames = map[Type]string{
	TypeSent:     "sent",
	TypeReceived: "received",
	TypeSeen:     "seen",
	TypeRead:     "read",
	TypeReplied:  "replied",
	TypeAffinity: "affinity",
	TypeDeleted:  "deleted",
	TypeCombined: "combined",
}

// String returns the wire name of the type.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseType accepts wire names case-insensitively.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("event: unknown type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Storable reports whether events of this type may be logged.
func (t Type) Storable() bool { return t > TypeUnknown && t < TypeCombined }

// ContextField names a context attribute of an event.
type ContextField string

const (
	FieldSender        ContextField = "sender"
	FieldReceiver      ContextField = "receiver"
	FieldMsgID         ContextField = "msg_id"
	FieldSubject       ContextField = "subject"
	FieldSize          ContextField = "size"
	FieldAffinityType  ContextField = "affinity_type"
	FieldAffinityValue ContextField = "affinity_value"
)

var (
	ErrInvalidEvent = errors.New("event: invalid")
	ErrMissingField = errors.New("event: missing field")
)

// Event is one activity record for an account.
type Event struct {
	ID           id.ID
	AccountID    string
	Type         Type
	Timestamp    time.Time
	DataSourceID string
	Context      map[ContextField]any
}

// New returns an event with an empty context.
func New(accountID string, t Type, ts time.Time) Event {
	return Event{AccountID: accountID, Type: t, Timestamp: ts, Context: map[ContextField]any{}}
}

// Set stores a context value, normalising numeric kinds to int64 or float64.
func (e *Event) Set(f ContextField, v any) {
	if e.Context == nil {
		e.Context = map[ContextField]any{}
	}
	e.Context[f] = normalize(v)
}

// Str returns a string context value, or "" when absent or not a string.
func (e Event) Str(f ContextField) string {
	s, _ := e.Context[f].(string)
	return s
}

// Int returns an integer context value.
func (e Event) Int(f ContextField) (int64, bool) {
	switch v := e.Context[f].(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// MsgID returns the message id context value, 0 if absent.
func (e Event) MsgID() int64 {
	v, _ := e.Int(FieldMsgID)
	return v
}

// Sender returns the sender address.
func (e Event) Sender() string { return e.Str(FieldSender) }

// Receiver returns the receiver address.
func (e Event) Receiver() string { return e.Str(FieldReceiver) }

// Validate checks the event is loggable.
func (e Event) Validate() error {
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidEvent)
	}
	if !e.Type.Storable() {
		return fmt.Errorf("%w: type %s cannot be logged", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidEvent)
	}
	switch e.Type {
	case TypeSent, TypeReceived, TypeSeen, TypeRead, TypeReplied:
		if _, ok := e.Int(FieldMsgID); !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, FieldMsgID)
		}
	case TypeAffinity:
		if e.Str(FieldAffinityType) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, FieldAffinityType)
		}
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Context = make(map[ContextField]any, len(e.Context))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case uint:
		return int64(t)
	case float32:
		return float64(t)
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case string, bool:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

func message(accountID string, t Type, msgID int64, sender, dsID string, ts time.Time) Event {
	e := New(accountID, t, ts)
	e.DataSourceID = dsID
	e.Set(FieldMsgID, msgID)
	if sender != "" {
		e.Set(FieldSender, sender)
	}
	return e
}

// NewSent records an outgoing message.
func NewSent(accountID string, msgID int64, sender, receiver, dsID string, ts time.Time) Event {
	e := message(accountID, TypeSent, msgID, sender, dsID, ts)
	e.Set(FieldReceiver, receiver)
	return e
}

// NewReceived records a delivered message.
func NewReceived(accountID string, msgID int64, sender, receiver, dsID string, ts time.Time) Event {
	e := message(accountID, TypeReceived, msgID, sender, dsID, ts)
	e.Set(FieldReceiver, receiver)
	return e
}

// NewSeen records that a message was first displayed in a list.
func NewSeen(accountID string, msgID int64, sender, dsID string, ts time.Time) Event {
	return message(accountID, TypeSeen, msgID, sender, dsID, ts)
}

// NewRead records that a message was opened.
func NewRead(accountID string, msgID int64, sender, dsID string, ts time.Time) Event {
	return message(accountID, TypeRead, msgID, sender, dsID, ts)
}

// NewReplied records a reply to a message.
func NewReplied(accountID string, msgID int64, sender, dsID string, ts time.Time) Event {
	return message(accountID, TypeReplied, msgID, sender, dsID, ts)
}

// NewAffinity records an account-level preference signal such as a frequently used folder.
func NewAffinity(accountID, affinityType, value string, ts time.Time) Event {
	e := New(accountID, TypeAffinity, ts)
	e.Set(FieldAffinityType, affinityType)
	e.Set(FieldAffinityValue, value)
	return e
}

// NewDeleted records a message removal.
func NewDeleted(accountID string, msgID int64, dsID string, ts time.Time) Event {
	return message(accountID, TypeDeleted, msgID, "", dsID, ts)
}
