package eventstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/rzbill/mev/internal/event"
)

func TestRecordRoundTrip(t *testing.T) {
	enc := EncodeRecord([]byte("h"), []byte("payload"))
	dec, ok := DecodeRecord(enc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if !bytes.Equal(dec.Header, []byte("h")) || !bytes.Equal(dec.Payload, []byte("payload")) {
		t.Fatalf("mismatch: %+v", dec)
	}
	enc[len(enc)-5] ^= 0xff
	if _, ok := DecodeRecord(enc); ok {
		t.Fatalf("expected crc failure")
	}
	if _, ok := DecodeRecord([]byte{1}); ok {
		t.Fatalf("expected short record failure")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	e := event.NewRead("alice", 4, "bob@x", "imap", time.UnixMilli(1_700_000_000_123))
	h, ok := decodeHeader(encodeHeader(headerOf(e)))
	if !ok {
		t.Fatalf("decode header")
	}
	if h.tsMs != 1_700_000_000_123 || h.typ != event.TypeRead || h.dataSource != "imap" {
		t.Fatalf("unexpected header %+v", h)
	}
	if !h.hasMsgID || h.msgID != 4 {
		t.Fatalf("msg id lost: %+v", h)
	}

	aff := event.NewAffinity("alice", "tag", "work", time.UnixMilli(1))
	h, ok = decodeHeader(encodeHeader(headerOf(aff)))
	if !ok || h.hasMsgID {
		t.Fatalf("affinity header %+v", h)
	}
	if uniqueKey("c1", "alice", h) != nil {
		t.Fatalf("events without msg id are not indexed")
	}
}

func TestUniqueKeyFields(t *testing.T) {
	k := KeyUnique("c1", "alice", event.TypeSent, 1, "imap")
	if !bytes.HasPrefix(k, KeyUniquePrefix("c1", "alice")) {
		t.Fatalf("unique key outside prefix")
	}
	others := [][]byte{
		KeyUnique("c1", "alice", event.TypeReceived, 1, "imap"),
		KeyUnique("c1", "alice", event.TypeSent, 2, "imap"),
		KeyUnique("c1", "alice", event.TypeSent, 1, "pop"),
		KeyUnique("c1", "alice", event.TypeSent, 1, ""),
	}
	for _, o := range others {
		if bytes.Equal(k, o) {
			t.Fatalf("unique keys collide: %q", o)
		}
	}
	if bytes.HasPrefix(KeyUniquePrefix("c1", "alice"), KeyEntryPrefix("c1", "alice")) {
		t.Fatalf("unique index overlaps entries")
	}
}

func TestKeysSortBySeq(t *testing.T) {
	a := KeyEntry("mbox_alice", "alice", 1)
	b := KeyEntry("mbox_alice", "alice", 256)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("entry keys must sort by seq")
	}
	if !bytes.HasPrefix(a, KeyEntryPrefix("mbox_alice", "alice")) {
		t.Fatalf("entry key must carry entry prefix")
	}
	if string(KeyAccountMeta("c1", "alice")) != "c/c1/a/alice/m" {
		t.Fatalf("meta key %q", KeyAccountMeta("c1", "alice"))
	}
	if !bytes.HasPrefix(KeyAccountMeta("c1", "alice"), KeyAccountPrefix("c1", "alice")[:len("c/c1/a/alice/")-1]) {
		t.Fatalf("meta key outside account prefix")
	}
}

func TestParseLocator(t *testing.T) {
	l, err := ParseLocator("account:mbox")
	if err != nil || l.Collection("alice") != "mbox_alice" {
		t.Fatalf("account locator: %v %v", l, err)
	}
	l, err = ParseLocator("joint:events")
	if err != nil || l.Collection("alice") != "events" {
		t.Fatalf("joint locator: %v %v", l, err)
	}
	if _, err := ParseLocator("joint:"); err == nil {
		t.Fatalf("expected error for empty joint name")
	}
	if _, err := ParseLocator("bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
