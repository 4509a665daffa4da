// Package lmtp is the mail delivery front end. The server speaks LMTP through
// go-smtp, resolves each recipient to an account and logs a RECEIVED event
// per accepted recipient. The client delivers a message to any LMTP server
// and reports the per-recipient replies.
package lmtp
