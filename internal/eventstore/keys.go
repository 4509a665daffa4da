package eventstore

import (
	"encoding/binary"

	"github.com/rzbill/mev/internal/event"
)

var (
	sep          = byte('/')
	collPrefix   = []byte("c/")
	accountSeg   = []byte("/a/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
	uniqueSeg    = []byte("/u/")
	accountIndex = []byte("x/a/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyAccountPrefix covers every key of an account within a collection.
func KeyAccountPrefix(collection, account string) []byte {
	k := make([]byte, 0, len(collection)+len(account)+8)
	k = append(k, collPrefix...)
	k = append(k, collection...)
	k = append(k, accountSeg...)
	k = append(k, account...)
	k = append(k, sep)
	return k
}

// KeyAccountMeta builds the account metadata key.
func KeyAccountMeta(collection, account string) []byte {
	k := KeyAccountPrefix(collection, account)
	return append(k[:len(k)-1], metaSuffix...)
}

// KeyEntryPrefix is the prefix shared by all entries of an account.
func KeyEntryPrefix(collection, account string) []byte {
	k := KeyAccountPrefix(collection, account)
	return append(k[:len(k)-1], entrySeg...)
}

// KeyEntry builds the entry key with a big-endian sequence for ordering.
func KeyEntry(collection, account string, seq uint64) []byte {
	return appendBE8(KeyEntryPrefix(collection, account), seq)
}

// KeyUniquePrefix is the prefix of the account's uniqueness index.
func KeyUniquePrefix(collection, account string) []byte {
	k := KeyAccountPrefix(collection, account)
	return append(k[:len(k)-1], uniqueSeg...)
}

// KeyUnique marks the stored event of one (type, msg id, datasource). The
// value is the entry seq.
func KeyUnique(collection, account string, typ event.Type, msgID int64, dsID string) []byte {
	k := KeyUniquePrefix(collection, account)
	k = append(k, byte(typ))
	k = appendBE8(k, uint64(msgID))
	return append(k, dsID...)
}

// uniqueKey returns the index key for h, or nil when the event carries no
// message id.
func uniqueKey(collection, account string, h header) []byte {
	if !h.hasMsgID {
		return nil
	}
	return KeyUnique(collection, account, h.typ, h.msgID, h.dataSource)
}

// KeyAccountIndex records that an account has stored events.
func KeyAccountIndex(account string) []byte {
	k := make([]byte, 0, len(accountIndex)+len(account))
	k = append(k, accountIndex...)
	return append(k, account...)
}

func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
