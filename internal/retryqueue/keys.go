package retryqueue

import (
	"encoding/binary"
)

var (
	metaKey     = []byte("rq/m")
	msgPrefix   = []byte("rq/msg/")
	readyPrefix = []byte("rq/ready/")
	lidxPrefix  = []byte("rq/lidx/")
	leasePrefix = []byte("rq/lease/")
	dlqPrefix   = []byte("rq/dlq/")
)

func seqKey(prefix []byte, seq uint64) []byte {
	k := make([]byte, 0, len(prefix)+8)
	k = append(k, prefix...)
	return binary.BigEndian.AppendUint64(k, seq)
}

func timedKey(prefix []byte, ms int64, seq uint64) []byte {
	k := make([]byte, 0, len(prefix)+17)
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(ms))
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

// parseTimedKey returns the time and seq of a key built by timedKey.
func parseTimedKey(prefix, k []byte) (int64, uint64, bool) {
	if len(k) != len(prefix)+17 {
		return 0, 0, false
	}
	ms := int64(binary.BigEndian.Uint64(k[len(prefix):]))
	seq := binary.BigEndian.Uint64(k[len(k)-8:])
	return ms, seq, true
}
