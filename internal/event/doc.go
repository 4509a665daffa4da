// Package event defines the mailbox activity events that flow through the
// batching logger: the Event record, its types and context fields, the
// per-message flag progression (not_seen -> seen -> read -> replied), and two
// encodings.
//
// The binary encoding is protobuf wire format written with protowire, so
// other tooling can decode it with a matching .proto:
//
//	message Event {
//	  bytes  id          = 1;
//	  string account_id  = 2;
//	  uint32 type        = 3;
//	  sint64 ts_ms       = 4;
//	  string datasource  = 5;
//	  repeated Ctx ctx   = 6;
//	}
//	message Ctx {
//	  string key = 1;
//	  oneof value { string s = 2; sint64 i = 3; double d = 4; bool b = 5; }
//	}
//
// Streams of events are framed with a varint length prefix per message
// (AppendDelimited / ReadDelimited). The JSON encoding is used by the HTTP
// API and the file sink.
package event
