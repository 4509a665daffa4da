// Package analytics answers per-contact questions over an account's event
// history: how often mail is exchanged, how that spreads over time, and how
// quickly and how often mail from a contact is opened or answered.
//
// All queries run against the event store with a contact filter and compare
// addresses case-insensitively.
package analytics
