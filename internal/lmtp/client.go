package lmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	pkgerrors "github.com/pkg/errors"
)

// RcptStatus is the server's verdict for one recipient. Err is nil when the
// message was accepted for that recipient.
type RcptStatus struct {
	Recipient string `json:"recipient"`
	Code      int    `json:"code"`
	Enhanced  string `json:"enhanced,omitempty"`
	Message   string `json:"message,omitempty"`
	Err       error  `json:"-"`
}

// OK reports whether the recipient was accepted.
func (s RcptStatus) OK() bool { return s.Err == nil }

func statusFrom(rcpt string, err error) RcptStatus {
	st := RcptStatus{Recipient: rcpt, Code: 250, Err: err}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		st.Code = smtpErr.Code
		st.Message = smtpErr.Message
		if smtpErr.EnhancedCode != (smtp.EnhancedCode{}) {
			e := smtpErr.EnhancedCode
			st.Enhanced = fmt.Sprintf("%d.%d.%d", e[0], e[1], e[2])
		}
	} else if err != nil {
		st.Code = 0
		st.Message = err.Error()
	}
	return st
}

// ClientOptions tunes Deliver.
type ClientOptions struct {
	// LocalName is sent in LHLO.
	LocalName string
	Timeout   time.Duration
}

// Deliver sends body to rcpts over LMTP and returns one status per
// recipient in input order. Recipients refused at RCPT keep that refusal; the
// others get the server's post-DATA reply. The error is set only when the
// session itself failed.
func Deliver(ctx context.Context, addr, from string, rcpts []string, body io.Reader) ([]RcptStatus, error) {
	return DeliverWithOptions(ctx, addr, from, rcpts, body, ClientOptions{})
}

// DeliverWithOptions is Deliver with explicit options.
func DeliverWithOptions(ctx context.Context, addr, from string, rcpts []string, body io.Reader, opts ClientOptions) ([]RcptStatus, error) {
	if len(rcpts) == 0 {
		return nil, errors.New("lmtp: no recipients")
	}
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "lmtp: dial")
	}
	deadline := time.Now().Add(opts.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c := smtp.NewClientLMTP(conn)
	defer c.Close()

	if err := c.Hello(opts.LocalName); err != nil {
		return nil, pkgerrors.Wrap(err, "lmtp: LHLO")
	}
	if err := c.Mail(from, nil); err != nil {
		return nil, pkgerrors.Wrap(err, "lmtp: MAIL")
	}

	out := make([]RcptStatus, len(rcpts))
	index := make(map[string]int, len(rcpts))
	accepted := 0
	for i, rc := range rcpts {
		if err := c.Rcpt(rc, nil); err != nil {
			var smtpErr *smtp.SMTPError
			if !errors.As(err, &smtpErr) {
				return nil, pkgerrors.Wrap(err, "lmtp: RCPT")
			}
			out[i] = statusFrom(rc, err)
			continue
		}
		index[rc] = i
		accepted++
	}
	if accepted == 0 {
		_ = c.Quit()
		return out, nil
	}

	w, err := c.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		i, ok := index[rcpt]
		if !ok {
			return
		}
		if status == nil {
			out[i] = statusFrom(rcpt, nil)
			return
		}
		out[i] = statusFrom(rcpt, status)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "lmtp: DATA")
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, pkgerrors.Wrap(err, "lmtp: write message")
	}
	if err := w.Close(); err != nil {
		return nil, pkgerrors.Wrap(err, "lmtp: end of data")
	}
	if err := c.Quit(); err != nil {
		return out, pkgerrors.Wrap(err, "lmtp: QUIT")
	}
	return out, nil
}
