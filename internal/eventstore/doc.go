// Package eventstore persists per-account event history in Pebble.
//
// # Layout
//
// Events are grouped into collections. A CollectionLocator decides which
// collection an account lives in: one collection per account, or a single
// joint collection shared by all accounts. Keys sort lexicographically:
//   - c/{collection}/a/{account}/m            (account metadata: lastSeq)
//   - c/{collection}/a/{account}/e/{seq_be8}  (entries)
//   - c/{collection}/a/{account}/u/{type}{msg_id_be8}{datasource}  (uniqueness, value = seq)
//   - x/a/{account}                           (account index, value = collection)
//
// Each entry value is: varint headerLen | header | payload | crc32c(header|payload).
// The header carries ts_ms, type, msg id and datasource so that filters,
// deletes and trims do not decode the payload. The payload is the protobuf
// wire form of the event.
//
// A message-scoped event is stored once per (type, msg id, datasource).
// Appending it again is a no-op, so redelivered batches do not double count.
//
//	s, _ := eventstore.Open(db, eventstore.Options{Locator: eventstore.AccountLocator("mbox")})
//	seqs, _ := s.Append(ctx, "alice", []event.Event{ev})
//	recs, _ := s.Query(ctx, "alice", eventstore.Filter{Types: []event.Type{event.TypeCombined}, Limit: 100})
//	n, _ := s.DeleteDataSource(ctx, "alice", "imap-1")
//	_, _ = s.TrimOlderThan(ctx, "alice", time.Now().Add(-90*24*time.Hour))
//	woke := s.WaitForAppend("alice", 200*time.Millisecond)
package eventstore
