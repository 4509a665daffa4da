// Package sinks holds the backends a batch of events is delivered to.
//
// A sink receives one account's drained batch at a time. Sinks are built from
// config strings:
//
//	file:///var/lib/mev/events.jsonl   one JSON line per event
//	metrics:                           Prometheus counters
//	store:                             the persistent event store
//
// Any of them accepts a trailing ?filter=<cel> that keeps only the events the
// expression accepts, for example store:?filter=kind != "seen".
package sinks
