package event

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rzbill/mev/pkg/id"
)

// Field numbers of the Event message.
const (
	fieldID         protowire.Number = 1
	fieldAccount    protowire.Number = 2
	fieldType       protowire.Number = 3
	fieldTimestamp  protowire.Number = 4
	fieldDataSource protowire.Number = 5
	fieldContext    protowire.Number = 6
)

// Field numbers of the Ctx message.
const (
	ctxKey    protowire.Number = 1
	ctxString protowire.Number = 2
	ctxInt    protowire.Number = 3
	ctxDouble protowire.Number = 4
	ctxBool   protowire.Number = 5
)

// MaxFrameSize bounds a single delimited event.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("event: frame too large")

// Marshal encodes e in protobuf wire format. Context entries are written in
// key order so equal events encode to equal bytes.
func Marshal(e Event) []byte {
	b := make([]byte, 0, 64+len(e.AccountID)+len(e.DataSourceID)+16*len(e.Context))
	if !e.ID.IsZero() {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, e.ID[:])
	}
	b = protowire.AppendTag(b, fieldAccount, protowire.BytesType)
	b = protowire.AppendString(b, e.AccountID)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Timestamp.UnixMilli()))
	if e.DataSourceID != "" {
		b = protowire.AppendTag(b, fieldDataSource, protowire.BytesType)
		b = protowire.AppendString(b, e.DataSourceID)
	}

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = protowire.AppendTag(b, fieldContext, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalCtx(k, e.Context[ContextField(k)]))
	}
	return b
}

func marshalCtx(key string, v any) []byte {
	var b []byte
	b = protowire.AppendTag(b, ctxKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	switch t := normalize(v).(type) {
	case int64:
		b = protowire.AppendTag(b, ctxInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(t))
	case float64:
		b = protowire.AppendTag(b, ctxDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(t))
	case bool:
		b = protowire.AppendTag(b, ctxBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(t))
	case string:
		b = protowire.AppendTag(b, ctxString, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	return b
}

// Unmarshal decodes an event written by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Event, error) {
	e := Event{Context: map[ContextField]any{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Event{}, fmt.Errorf("event: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			parsed, err := id.FromBytes(v)
			if err != nil {
				return Event{}, fmt.Errorf("event: %w", err)
			}
			e.ID = parsed
			b = b[n:]
		case num == fieldAccount && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			e.AccountID = v
			b = b[n:]
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			e.Type = Type(v)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			e.Timestamp = time.UnixMilli(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == fieldDataSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			e.DataSourceID = v
			b = b[n:]
		case num == fieldContext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			k, val, err := unmarshalCtx(v)
			if err != nil {
				return Event{}, err
			}
			if k != "" {
				e.Context[ContextField(k)] = val
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalCtx(b []byte) (string, any, error) {
	var key string
	var val any = ""
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == ctxKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			key = v
			b = b[n:]
		case num == ctxString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			val = v
			b = b[n:]
		case num == ctxInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			val = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == ctxDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			val = math.Float64frombits(v)
			b = b[n:]
		case num == ctxBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			val = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return key, val, nil
}

// AppendDelimited appends e to b prefixed with its varint length.
func AppendDelimited(b []byte, e Event) []byte {
	return protowire.AppendBytes(b, Marshal(e))
}

// MarshalBatch frames events back to back.
func MarshalBatch(events []Event) []byte {
	var b []byte
	for _, e := range events {
		b = AppendDelimited(b, e)
	}
	return b
}

// UnmarshalBatch decodes a buffer produced by MarshalBatch.
func UnmarshalBatch(b []byte) ([]Event, error) {
	var out []Event
	for len(b) > 0 {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("event: bad frame: %w", protowire.ParseError(n))
		}
		e, err := Unmarshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		b = b[n:]
	}
	return out, nil
}

// ReadDelimited reads one length-prefixed event. It returns io.EOF at a clean
// frame boundary and io.ErrUnexpectedEOF for a truncated frame.
func ReadDelimited(r *bufio.Reader) (Event, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	if size > MaxFrameSize {
		return Event{}, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.ErrUnexpectedEOF
		}
		return Event{}, err
	}
	return Unmarshal(buf)
}
