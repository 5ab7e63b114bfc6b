package smtp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
)

// State is the position of a session within one mail transaction.
type State int

// Session states. Authentication is tracked separately because it is
// optional and survives across transactions on the same connection.
const (
	StateStarted State = iota
	StateSenderChecked
	StateReceivingBody
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateSenderChecked:
		return "sender-checked"
	case StateReceivingBody:
		return "receiving-body"
	case StateCommitted:
		return "committed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SenderPolicy decides whether an envelope sender may deliver.
type SenderPolicy interface {
	Allowed(address string) bool
}

// Decoder turns a raw message stream into a structured message. received
// is used when the message carries no usable date.
type Decoder interface {
	Decode(r io.Reader, received time.Time) (*email.Message, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(r io.Reader, received time.Time) (*email.Message, error)

// Decode calls f(r, received).
func (f DecoderFunc) Decode(r io.Reader, received time.Time) (*email.Message, error) {
	return f(r, received)
}

// Store receives committed messages. Insert returns how many older
// messages were evicted to make room.
type Store interface {
	Insert(msg *email.Message) int
}

// BackendConfig holds the collaborators shared by every session.
type BackendConfig struct {
	Policy  SenderPolicy
	Decoder Decoder
	Store   Store

	// IncludeHeaders keeps the decoded header as a flat map on stored
	// messages. When false, stored messages carry no headers.
	IncludeHeaders bool

	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Backend creates a Session for each SMTP connection.
type Backend struct {
	config BackendConfig
}

// NewBackend creates a Backend. Policy and Decoder must be set.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Backend{config: cfg}
}

// NewSession implements gosmtp.Backend.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	var remote string
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	slog.Debug("SMTP connection", "remote", remote)
	return &Session{backend: b, remote: remote}, nil
}

var errNoSender = &gosmtp.SMTPError{
	Code:         503,
	EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
	Message:      "Send MAIL FROM first",
}

// Session is one SMTP connection. go-smtp calls its methods sequentially,
// so it needs no locking of its own.
type Session struct {
	backend *Backend
	remote  string
	state   State

	// user is the last AUTH username; empty means anonymous.
	user string

	mailFrom string
	rcptTo   []string
}

var _ gosmtp.AuthSession = (*Session)(nil)

// State returns the current transaction state.
func (s *Session) State() State {
	return s.state
}

// User returns the authenticated username, or "" for an anonymous session.
func (s *Session) User() string {
	return s.user
}

// Authenticated reports whether the client completed AUTH.
func (s *Session) Authenticated() bool {
	return s.user != ""
}

// AuthMechanisms implements gosmtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	return authMechanisms
}

// Auth implements gosmtp.AuthSession. Any credentials are accepted.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	return newAuthServer(mech, s.login)
}

func (s *Session) login(username string) {
	slog.Info("SMTP login for user", "user", username, "remote", s.remote)
	s.user = username
	s.backend.config.Metrics.ObserveLogin()
}

// Mail checks the envelope sender against the whitelist. A rejected
// sender fails only this transaction; the connection stays usable.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.resetTransaction()

	if !s.backend.config.Policy.Allowed(from) {
		slog.Info("rejected envelope sender", "from", from, "remote", s.remote)
		s.backend.config.Metrics.ObserveRejected(metrics.ReasonSender)
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Invalid email from: " + from,
		}
	}

	s.mailFrom = from
	s.state = StateSenderChecked
	return nil
}

// Rcpt accepts every recipient once a sender has been accepted.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.state != StateSenderChecked {
		return errNoSender
	}
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data decodes the message body and commits it to the store. On any
// error nothing is stored.
func (s *Session) Data(r io.Reader) error {
	if s.state != StateSenderChecked {
		return errNoSender
	}
	cfg := s.backend.config
	s.state = StateReceivingBody

	msg, err := cfg.Decoder.Decode(r, cfg.Now())
	if err != nil {
		s.state = StateStarted
		cfg.Metrics.ObserveRejected(metrics.ReasonDecode)
		slog.Warn("failed to decode message", "from", s.mailFrom, "remote", s.remote, "error", err)

		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to parse message: " + err.Error(),
		}
	}

	msg.ID = uuid.NewString()
	msg.Envelope = email.Envelope{
		MailFrom:      s.mailFrom,
		RcptTo:        append([]string(nil), s.rcptTo...),
		RemoteAddress: s.remote,
		User:          s.user,
	}
	if cfg.IncludeHeaders {
		msg.Headers = email.FlattenHeaders(msg.RawHeaders)
	} else {
		msg.Headers = nil
	}
	msg.RawHeaders = nil

	evicted := cfg.Store.Insert(msg)
	s.state = StateCommitted
	cfg.Metrics.ObserveCaptured(evicted)

	slog.Debug("captured message",
		"id", msg.ID,
		"subject", msg.Subject,
		"from", msg.From.Text,
		"to", msg.To.Text,
		"evicted", evicted,
	)
	return nil
}

// Reset implements gosmtp.Session. Authentication is kept.
func (s *Session) Reset() {
	s.resetTransaction()
}

// Logout implements gosmtp.Session.
func (s *Session) Logout() error {
	return nil
}

func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.state = StateStarted
}
