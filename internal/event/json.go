package event

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rzbill/mev/pkg/id"
)

type jsonEvent struct {
	ID          string         `json:"id,omitempty"`
	AccountID   string         `json:"account"`
	Type        Type           `json:"type"`
	TimestampMs *int64         `json:"ts_ms"`
	DataSource  string         `json:"datasource,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// MarshalJSON renders the event with its type name and millisecond timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	ms := e.Timestamp.UnixMilli()
	je := jsonEvent{
		AccountID:   e.AccountID,
		Type:        e.Type,
		TimestampMs: &ms,
		DataSource:  e.DataSourceID,
	}
	if !e.ID.IsZero() {
		je.ID = e.ID.String()
	}
	if len(e.Context) > 0 {
		je.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			je.Context[string(k)] = v
		}
	}
	return json.Marshal(je)
}

// UnmarshalJSON accepts the form produced by MarshalJSON. A missing ts_ms is
// left zero so Validate rejects it. Context numbers keep full int64 precision.
func (e *Event) UnmarshalJSON(b []byte) error {
	var je jsonEvent
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&je); err != nil {
		return err
	}
	out := Event{
		AccountID:    je.AccountID,
		Type:         je.Type,
		DataSourceID: je.DataSource,
		Context:      make(map[ContextField]any, len(je.Context)),
	}
	if je.TimestampMs != nil {
		out.Timestamp = time.UnixMilli(*je.TimestampMs)
	}
	if je.ID != "" {
		parsed, err := id.Parse(je.ID)
		if err != nil {
			return err
		}
		out.ID = parsed
	}
	for k, v := range je.Context {
		out.Context[ContextField(k)] = normalize(fromNumber(v))
	}
	*e = out
	return nil
}

// fromNumber turns a decoded json.Number into an int64 when it is integral
// and a float64 otherwise.
func fromNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
