// Package retryqueue keeps batches a sink rejected and redelivers them later.
//
// Entries are leased on dequeue. A leased entry is either completed, failed
// (rescheduled with exponential backoff, or moved to the dead letter queue
// once the policy's attempts are used up) or, if its lease runs out, returned
// to the ready index by ReclaimExpired.
//
// # Keyspace
//
//	rq/m                              lastSeq
//	rq/msg/{seq_be8}                  entry record
//	rq/ready/{ready_ms_be8}/{seq_be8} due index
//	rq/lidx/{expires_ms_be8}/{seq_be8} lease expiry index
//	rq/lease/{seq_be8}                lease expiry (ms)
//	rq/dlq/{seq_be8}                  dead entry record
//
// Records are framed as varint headerLen | header | payload | crc32c, the
// payload being the varint-delimited protobuf events of the batch.
package retryqueue
