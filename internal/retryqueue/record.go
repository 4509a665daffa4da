package retryqueue

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/rzbill/mev/internal/event"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 5 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen > uint64(len(b)) || n+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return header, payload, true
}

// Entry is a queued batch.
type Entry struct {
	Seq        uint64        `json:"seq"`
	Sink       string        `json:"sink"`
	Account    string        `json:"account"`
	Events     []event.Event `json:"events"`
	Attempts   int           `json:"attempts"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	LastError  string        `json:"last_error,omitempty"`
	// LeaseExpiry is set on entries returned by Dequeue.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`
}

// header: attempts(4B) | enqueued_ms(8B) | uvarint len | sink | uvarint len | account | last error
func encodeEntry(e Entry) []byte {
	h := make([]byte, 0, 16+len(e.Sink)+len(e.Account)+len(e.LastError))
	h = binary.BigEndian.AppendUint32(h, uint32(e.Attempts))
	h = binary.BigEndian.AppendUint64(h, uint64(e.EnqueuedAt.UnixMilli()))
	h = binary.AppendUvarint(h, uint64(len(e.Sink)))
	h = append(h, e.Sink...)
	h = binary.AppendUvarint(h, uint64(len(e.Account)))
	h = append(h, e.Account...)
	h = append(h, e.LastError...)
	return encodeRecord(h, event.MarshalBatch(e.Events))
}

func decodeEntry(seq uint64, b []byte) (Entry, bool) {
	h, payload, ok := decodeRecord(b)
	if !ok || len(h) < 12 {
		return Entry{}, false
	}
	e := Entry{
		Seq:        seq,
		Attempts:   int(binary.BigEndian.Uint32(h[0:4])),
		EnqueuedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(h[4:12]))),
	}
	rest := h[12:]
	var str [2]string
	for i := range str {
		l, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < l {
			return Entry{}, false
		}
		str[i] = string(rest[n : n+int(l)])
		rest = rest[n+int(l):]
	}
	e.Sink, e.Account, e.LastError = str[0], str[1], string(rest)
	events, err := event.UnmarshalBatch(payload)
	if err != nil {
		return Entry{}, false
	}
	e.Events = events
	return e, true
}
