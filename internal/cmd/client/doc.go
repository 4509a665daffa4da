// Package client provides the `mev` command-line client.
//
// The CLI talks to the mev HTTP API for event and analytics operations,
// to the gRPC health service for `health`, and speaks LMTP directly for
// `lmtp send`.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 (MEV_HTTP). The gRPC address is read
// from MEV_GRPC (default 127.0.0.1:50051) and the LMTP address from
// MEV_LMTP_ADDR (default 127.0.0.1:7025).
//
// Usage
//
//	mev event log --account alice --type received --datasource imap \
//	    --msg-id 42 --sender bob@example.com --receiver alice@example.com
//	mev event log --file events.json
//
//	mev event query --account alice --type combined --contact bob@example.com --limit 20
//	mev event flag --account alice --msg-id 42 --sender bob@example.com --flag read
//	mev event flush
//	mev event delete --account alice --datasource imap
//	mev event delete --account alice --confirm
//
//	mev analytics frequency -a alice -c bob@example.com --type sent --range last_week
//	mev analytics graph -a alice -c bob@example.com --range last_six_months --tz-offset -300
//	mev analytics opened -a alice -c bob@example.com
//	mev analytics time-to-open -a alice
//
//	mev lmtp send --from bob@example.com --to alice@example.com --file msg.eml
//	mev health
//
// Notes
//
//   - event delete without --datasource removes every event and flag of the
//     account and requires --confirm.
//   - lmtp send exits non-zero when any recipient was refused; each
//     recipient's status is printed first.
package client
