package eventstore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/rzbill/mev/internal/event"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord frames header and payload with a CRC32C trailer.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// Decoded is a verified record. Slices alias the input.
type Decoded struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord verifies the CRC. It returns false for torn or corrupt values.
func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen > uint64(len(b)) {
		return Decoded{}, false
	}
	if n+int(hlen)+4 > len(b) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, false
	}
	return Decoded{Header: header, Payload: payload}, true
}

// header: ts_ms(8B BE) | type(1B) | has_msg_id(1B) | msg_id(8B BE) | datasource (rest)
type header struct {
	tsMs       int64
	typ        event.Type
	hasMsgID   bool
	msgID      int64
	dataSource string
}

const headerFixedLen = 18

func headerOf(e event.Event) header {
	h := header{tsMs: e.Timestamp.UnixMilli(), typ: e.Type, dataSource: e.DataSourceID}
	h.msgID, h.hasMsgID = e.Int(event.FieldMsgID)
	return h
}

func encodeHeader(h header) []byte {
	b := make([]byte, 0, headerFixedLen+len(h.dataSource))
	b = binary.BigEndian.AppendUint64(b, uint64(h.tsMs))
	b = append(b, byte(h.typ))
	if h.hasMsgID {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint64(b, uint64(h.msgID))
	return append(b, h.dataSource...)
}

func decodeHeader(b []byte) (header, bool) {
	if len(b) < headerFixedLen {
		return header{}, false
	}
	return header{
		tsMs:       int64(binary.BigEndian.Uint64(b[:8])),
		typ:        event.Type(b[8]),
		hasMsgID:   b[9] == 1,
		msgID:      int64(binary.BigEndian.Uint64(b[10:18])),
		dataSource: string(b[headerFixedLen:]),
	}, true
}
