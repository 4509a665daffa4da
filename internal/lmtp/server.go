package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/rzbill/mev/internal/event"
	"github.com/rzbill/mev/pkg/log"
)

var (
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errMailboxDisabled = &smtp.SMTPError{
		Code:         450,
		EnhancedCode: smtp.EnhancedCode{4, 2, 1},
		Message:      "Mailbox disabled, not accepting messages",
	}
	errDirectoryUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Recipient lookup failed, try again later",
	}
	errTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Maximum message size exceeded",
	}
	errLogUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Delivery temporarily unavailable",
	}
)

// EventLogger receives the RECEIVED events of accepted deliveries.
type EventLogger interface {
	Log(e event.Event) error
}

// Config is the LMTP listener configuration.
type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// DataSourceID tags every logged event.
	DataSourceID string
	// DedupeCacheSize bounds the recently delivered Message-IDs remembered
	// per server. 0 uses the default and a negative size disables dedupe.
	DedupeCacheSize int
	// DedupeTTL expires remembered Message-IDs. 0 keeps them until evicted.
	DedupeTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7025"
	}
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 10 << 20
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Minute
	}
	return c
}

// Server accepts LMTP deliveries.
type Server struct {
	cfg    Config
	dir    Directory
	events EventLogger
	logger log.Logger
	now    func() time.Time
	dedupe *dedupeCache

	smtp *smtp.Server

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l log.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ServerOption { return func(s *Server) { s.now = now } }

// NewServer builds an LMTP server; call Serve or ListenAndServe to start it.
func NewServer(cfg Config, dir Directory, events EventLogger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		dir:    dir,
		events: events,
		now:    time.Now,
	}
	s.dedupe = newDedupeCache(s.cfg.DedupeCacheSize, s.cfg.DedupeTTL)
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	s.logger = s.logger.WithComponent("lmtp")

	srv := smtp.NewServer(s)
	srv.LMTP = true
	srv.Addr = s.cfg.Addr
	srv.Domain = s.cfg.Domain
	srv.MaxMessageBytes = s.cfg.MaxMessageBytes
	srv.MaxRecipients = s.cfg.MaxRecipients
	srv.ReadTimeout = s.cfg.ReadTimeout
	srv.WriteTimeout = s.cfg.WriteTimeout
	srv.ErrorLog = log.ToStdLogger(s.logger, log.WarnLevel)
	s.smtp = srv
	return s
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return pkgerrors.Wrap(err, "lmtp: listen")
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("lmtp server listening", log.Str("addr", ln.Addr().String()))
	err := s.smtp.Serve(ln)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr is the bound listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and closes open sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.smtp.Close()
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionsActive.Inc()
	sess := &session{srv: s, id: uuid.NewString()}
	sess.logger = s.logger.With(log.Str("session", sess.id), log.Str("remote", c.Conn().RemoteAddr().String()))
	sess.logger.Debug("session opened", log.Str("helo", c.Hostname()))
	return sess, nil
}

type recipient struct {
	address string
	account string
}

type session struct {
	srv    *Server
	id     string
	logger log.Logger

	from  string
	rcpts []recipient
}

var _ smtp.LMTPSession = (*session)(nil)

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	sessionsActive.Dec()
	s.logger.Debug("session closed")
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = NormalizeAddress(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.ReadTimeout)
	defer cancel()
	acct, err := s.srv.dir.Lookup(ctx, to)
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		recipientsTotal.WithLabelValues("unknown").Inc()
		s.logger.Info("rejected unknown recipient", log.Str("rcpt", to))
		return errNoSuchUser
	case errors.Is(err, ErrMailboxDisabled):
		recipientsTotal.WithLabelValues("disabled").Inc()
		s.logger.Info("deferred recipient with disabled mailbox", log.Str("rcpt", to))
		return errMailboxDisabled
	case err != nil:
		recipientsTotal.WithLabelValues("lookup_error").Inc()
		s.logger.Warn("recipient lookup failed", log.Str("rcpt", to), log.Err(err))
		return errDirectoryUnavailable
	}
	s.rcpts = append(s.rcpts, recipient{address: to, account: acct})
	return nil
}

// Data handles non-LMTP use of the backend with a single overall status.
func (s *session) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(_ string, err error) {
		if first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

type statusFunc func(rcpt string, err error)

func (f statusFunc) SetStatus(rcpt string, err error) { f(rcpt, err) }

// LMTPData reads the message once and reports a status per recipient.
func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	limit := s.srv.cfg.MaxMessageBytes
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code == 552 {
			recipientsTotal.WithLabelValues("too_large").Add(float64(len(s.rcpts)))
			return errTooLarge
		}
		return pkgerrors.Wrap(err, "lmtp: read message")
	}
	if int64(len(body)) > limit {
		recipientsTotal.WithLabelValues("too_large").Add(float64(len(s.rcpts)))
		s.logger.Info("rejected oversized message", log.Int("size", len(body)))
		return errTooLarge
	}
	messageBytes.Observe(float64(len(body)))

	info := parseMessage(body)
	sender := info.from
	if sender == "" {
		sender = s.from
	}
	ts := s.srv.now()
	for _, rc := range s.rcpts {
		if !s.srv.dedupe.claim(rc.account, info.dedupeID) {
			recipientsTotal.WithLabelValues("duplicate").Inc()
			s.logger.Info("discarded duplicate delivery", log.Account(rc.account), log.Str("message_id", info.dedupeID))
			status.SetStatus(rc.address, nil)
			continue
		}
		e := event.NewReceived(rc.account, info.msgID, sender, NormalizeAddress(rc.address), s.srv.cfg.DataSourceID, ts)
		if info.subject != "" {
			e.Set(event.FieldSubject, info.subject)
		}
		e.Set(event.FieldSize, int64(len(body)))
		if err := s.srv.events.Log(e); err != nil {
			s.srv.dedupe.release(rc.account, info.dedupeID)
			recipientsTotal.WithLabelValues("log_error").Inc()
			s.logger.Warn("failed to log delivery", log.Account(rc.account), log.Err(err))
			status.SetStatus(rc.address, errLogUnavailable)
			continue
		}
		recipientsTotal.WithLabelValues("delivered").Inc()
		status.SetStatus(rc.address, nil)
	}
	s.logger.Debug("message delivered", log.Int("recipients", len(s.rcpts)), log.Int64("msg_id", info.msgID))
	return nil
}

type messageInfo struct {
	from     string
	subject  string
	msgID    int64
	// dedupeID is the newest Resent-Message-ID, else the Message-ID.
	dedupeID string
}

// parseMessage reads the header block. Unparseable headers leave fields
// empty; the message id falls back to a hash of the body.
func parseMessage(body []byte) messageInfo {
	var info messageInfo
	key := ""
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err == nil {
		h := mail.Header{Header: message.Header{Header: th}}
		if subj, err := h.Subject(); err == nil {
			info.subject = subj
		}
		if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
			info.from = NormalizeAddress(from[0].Address)
		}
		if mid, err := h.MessageID(); err == nil {
			key = mid
		}
		info.dedupeID = key
		if ids, err := h.MsgIDList("Resent-Message-Id"); err == nil && len(ids) > 0 {
			info.dedupeID = ids[0]
		}
	}
	hash := fnv.New64a()
	if key != "" {
		_, _ = hash.Write([]byte(key))
	} else {
		_, _ = hash.Write(body)
	}
	// keep ids positive so they round-trip through signed context values
	info.msgID = int64(hash.Sum64() >> 1)
	return info
}
