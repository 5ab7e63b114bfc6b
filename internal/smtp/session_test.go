package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/parser"
	"github.com/shineum/smtp-sink-lite/internal/policy"
	"github.com/shineum/smtp-sink-lite/internal/store"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

// recordingStore implements Store for testing.
type recordingStore struct {
	mu   sync.Mutex
	msgs []*email.Message
}

func (r *recordingStore) Insert(msg *email.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 0
}

func (r *recordingStore) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func testBackend(st Store, whitelist []string, includeHeaders bool) *Backend {
	return NewBackend(BackendConfig{
		Policy:         policy.NewWhitelist(whitelist),
		Decoder:        DecoderFunc(parser.Parse),
		Store:          st,
		IncludeHeaders: includeHeaders,
		Now:            func() time.Time { return fixedNow },
	})
}

func newTestSession(t *testing.T, b *Backend) *Session {
	t.Helper()
	sess, err := b.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess.(*Session)
}

const rawMessage = "From: Sender <sender@example.com>\r\n" +
	"To: foo@bar.com\r\n" +
	"Subject: Test Email\r\n" +
	"X-Dup: one\r\n" +
	"X-Dup: two\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello, this is a test email.\r\n"

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("error %v is not an SMTPError", err)
	}
	return smtpErr.Code
}

func TestSession_CommitTransitions(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	sess := newTestSession(t, testBackend(st, nil, false))

	if sess.State() != StateStarted {
		t.Fatalf("initial state: got %v, want %v", sess.State(), StateStarted)
	}
	if err := sess.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if sess.State() != StateSenderChecked {
		t.Fatalf("after Mail: got %v, want %v", sess.State(), StateSenderChecked)
	}
	if err := sess.Rcpt("foo@bar.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := sess.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if sess.State() != StateCommitted {
		t.Fatalf("after Data: got %v, want %v", sess.State(), StateCommitted)
	}
	if sess.Authenticated() {
		t.Error("session should be anonymous")
	}

	if st.len() != 1 {
		t.Fatalf("stored: got %d, want 1", st.len())
	}
	msg := st.msgs[0]
	if msg.ID == "" {
		t.Error("ID should be assigned")
	}
	if msg.Subject != "Test Email" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if !msg.Date.Equal(fixedNow) {
		t.Errorf("Date: got %v, want receipt time %v", msg.Date, fixedNow)
	}
	if msg.Envelope.MailFrom != "sender@example.com" || len(msg.Envelope.RcptTo) != 1 || msg.Envelope.RcptTo[0] != "foo@bar.com" {
		t.Errorf("Envelope: got %+v", msg.Envelope)
	}
	if msg.Headers != nil {
		t.Errorf("Headers: got %v, want nil when header inclusion is off", msg.Headers)
	}
	if msg.RawHeaders != nil {
		t.Error("RawHeaders must be cleared before commit")
	}

	sess.Reset()
	if sess.State() != StateStarted {
		t.Errorf("after Reset: got %v, want %v", sess.State(), StateStarted)
	}
}

func TestSession_HeadersIncluded(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	sess := newTestSession(t, testBackend(st, nil, true))

	if err := sess.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	headers := st.msgs[0].Headers
	if headers == nil {
		t.Fatal("Headers: got nil, want flat map")
	}
	if headers["subject"] != "Test Email" {
		t.Errorf("subject header: got %q", headers["subject"])
	}
	if headers["x-dup"] != "two" {
		t.Errorf("x-dup header: got %q, want last value %q", headers["x-dup"], "two")
	}
}

func TestSession_SenderRejected(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	sess := newTestSession(t, testBackend(st, []string{"a@x.com"}, false))

	err := sess.Mail("b@x.com", nil)
	if err == nil {
		t.Fatal("expected rejection, got nil")
	}
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("code: got %d, want 550", code)
	}
	if sess.State() != StateStarted {
		t.Errorf("state: got %v, want %v", sess.State(), StateStarted)
	}

	// A valid body after a rejected sender must not be stored.
	if err := sess.Rcpt("foo@bar.com", nil); err == nil {
		t.Error("Rcpt after rejected sender: expected error")
	}
	if err := sess.Data(strings.NewReader(rawMessage)); err == nil {
		t.Error("Data after rejected sender: expected error")
	}
	if st.len() != 0 {
		t.Errorf("stored: got %d, want 0", st.len())
	}

	// The session stays usable for a whitelisted sender.
	if err := sess.Mail("a@x.com", nil); err != nil {
		t.Fatalf("Mail(a@x.com): %v", err)
	}
	if err := sess.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if st.len() != 1 {
		t.Errorf("stored: got %d, want 1", st.len())
	}
}

func TestSession_DecodeFailureStoresNothing(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	sess := newTestSession(t, testBackend(st, nil, false))

	if err := sess.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	err := sess.Data(strings.NewReader("this is not a header\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	if code := smtpCode(t, err); code != 554 {
		t.Errorf("code: got %d, want 554", code)
	}
	if st.len() != 0 {
		t.Errorf("stored: got %d, want 0", st.len())
	}
	if sess.State() != StateStarted {
		t.Errorf("state: got %v, want %v", sess.State(), StateStarted)
	}
}

func TestSession_TransportErrorPropagates(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	b := NewBackend(BackendConfig{
		Policy: policy.NewWhitelist(nil),
		Decoder: DecoderFunc(func(r io.Reader, _ time.Time) (*email.Message, error) {
			return nil, fmt.Errorf("reading body: %w", gosmtp.ErrDataTooLarge)
		}),
		Store: st,
	})
	sess := newTestSession(t, b)

	if err := sess.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	err := sess.Data(strings.NewReader(rawMessage))
	if !errors.Is(err, gosmtp.ErrDataTooLarge) {
		t.Errorf("error: got %v, want ErrDataTooLarge", err)
	}
	if st.len() != 0 {
		t.Errorf("stored: got %d, want 0", st.len())
	}
}

func TestSession_AuthIsRecordedNotVerified(t *testing.T) {
	t.Parallel()

	st := &recordingStore{}
	sess := newTestSession(t, testBackend(st, nil, false))

	srv, err := sess.Auth(sasl.Plain)
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}
	drive(t, srv, []byte("\x00whoever\x00wrong-password"))
	if !sess.Authenticated() || sess.User() != "whoever" {
		t.Fatalf("User: got %q, want %q", sess.User(), "whoever")
	}

	if err := sess.Mail("sender@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Data(strings.NewReader(rawMessage)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if got := st.msgs[0].Envelope.User; got != "whoever" {
		t.Errorf("Envelope.User: got %q, want %q", got, "whoever")
	}

	sess.Reset()
	if sess.User() != "whoever" {
		t.Error("authentication should survive Reset")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	want := map[State]string{
		StateStarted:       "started",
		StateSenderChecked: "sender-checked",
		StateReceivingBody: "receiving-body",
		StateCommitted:     "committed",
		State(42):          "state(42)",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("String(%d): got %q, want %q", int(s), s.String(), w)
		}
	}
}

// startServer runs a Server on a loopback listener for the duration of the test.
func startServer(t *testing.T, b *Backend) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(ServerConfig{Hostname: "mail.test.com", Backend: b})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func send(t *testing.T, addr string, auth sasl.Client, from string, to []string, body string) error {
	t.Helper()

	c, err := gosmtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.test.com"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestServer_EndToEnd(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	addr := startServer(t, testBackend(st, nil, false))

	err := send(t, addr, sasl.NewPlainClient("", "anyone", "not-checked"), "sender@example.com", []string{"foo@bar.com"}, rawMessage)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	snap := st.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("stored: got %d, want 1", len(snap))
	}
	if snap[0].Subject != "Test Email" {
		t.Errorf("Subject: got %q", snap[0].Subject)
	}
	if snap[0].Envelope.User != "anyone" {
		t.Errorf("Envelope.User: got %q, want %q", snap[0].Envelope.User, "anyone")
	}
	if snap[0].Envelope.RemoteAddress == "" {
		t.Error("Envelope.RemoteAddress should be set")
	}
}

func TestServer_AnonymousAndDecodeFailure(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	addr := startServer(t, testBackend(st, nil, false))

	if err := send(t, addr, nil, "sender@example.com", []string{"foo@bar.com"}, rawMessage); err != nil {
		t.Fatalf("anonymous send: %v", err)
	}

	err := send(t, addr, nil, "sender@example.com", []string{"foo@bar.com"}, "garbage without header\r\n\r\nbody\r\n")
	if err == nil {
		t.Fatal("expected decode failure, got nil")
	}
	if code := smtpCode(t, err); code != 554 {
		t.Errorf("code: got %d, want 554", code)
	}
	if st.Len() != 1 {
		t.Errorf("stored: got %d, want 1", st.Len())
	}
}

func TestServer_ConcurrentSessionsRespectCapacity(t *testing.T) {
	t.Parallel()

	st := store.New(3)
	addr := startServer(t, testBackend(st, nil, false))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(t, addr, nil, "sender@example.com", []string{"foo@bar.com"}, rawMessage); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	if st.Len() != 3 {
		t.Errorf("stored: got %d, want 3", st.Len())
	}
}

// The helpers below speak raw SMTP to check reply lines.

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

func TestServer_RejectedSenderKeepsConnection(t *testing.T) {
	t.Parallel()

	st := store.New(10)
	addr := startServer(t, testBackend(st, []string{"a@x.com"}, false))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}

	reader := bufio.NewReader(conn)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q", greeting)
	}

	sendCmd(t, conn, "EHLO client.test.com")
	var ehlo []string
	for {
		line := readLine(t, reader)
		ehlo = append(ehlo, line)
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}
	if !strings.Contains(strings.Join(ehlo, "\n"), "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO should advertise AUTH PLAIN LOGIN, got %v", ehlo)
	}

	sendCmd(t, conn, "MAIL FROM:<b@x.com>")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "550 ") || !strings.Contains(resp, "Invalid email from: b@x.com") {
		t.Errorf("MAIL FROM b@x.com: got %q, want 550 rejection", resp)
	}

	sendCmd(t, conn, "MAIL FROM:<a@x.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("MAIL FROM a@x.com: got %q", resp)
	}
	sendCmd(t, conn, "RCPT TO:<foo@bar.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("RCPT TO: got %q", resp)
	}
	sendCmd(t, conn, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "354 ") {
		t.Fatalf("DATA: got %q", resp)
	}
	if _, err := conn.Write([]byte(rawMessage + ".\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA completion: got %q", resp)
	}

	sendCmd(t, conn, "QUIT")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT: got %q", resp)
	}

	if st.Len() != 1 {
		t.Errorf("stored: got %d, want 1", st.Len())
	}
}

func TestServer_ServeWithCancelledContext(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := New(ServerConfig{Backend: testBackend(store.New(1), nil, false)})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return for a cancelled context")
	}
}

func TestServer_ShutdownTimeoutWithOpenSession(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()

	srv := New(ServerConfig{
		Backend:         testBackend(store.New(1), nil, false),
		ShutdownTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	if greeting := readLine(t, bufio.NewReader(conn)); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q", greeting)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the shutdown timeout")
	}

	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Error("listener still accepting after shutdown")
	}
}
