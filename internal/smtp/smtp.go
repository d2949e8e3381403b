// Package smtp implements SmtpRelay: a TLS-only mail client that
// forwards inbound SMS as email and reports its own health.
//
// Follows the TLS-dial-then-smtp.NewClient pattern for outbound
// delivery, adapted from STARTTLS-over-25 to a TLS-only, port-465-style
// connection.
package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/sms"
)

// ErrSTARTTLSUnsupported is the construction-time verdict for port 25:
// STARTTLS is unsupported, so port 25 is rejected as CRITICAL. Relay
// still constructs; every delivery and health check simply report this
// condition.
var ErrSTARTTLSUnsupported = errors.New("port 25 requires STARTTLS, which this relay does not implement")

// Relay is the SmtpRelay component.
type Relay struct {
	cfg    config.Mail
	logger *log.Logger

	mu              sync.Mutex
	conn            *smtp.Client
	healthState     health.State
	lastHealthCheck time.Time

	queue chan queuedMail
}

type queuedMail struct {
	to  string
	sms *sms.SMS
}

// New constructs a Relay for cfg. Port 25 is accepted but permanently
// unhealthy.
func New(cfg config.Mail, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	r := &Relay{cfg: cfg, logger: logger, queue: make(chan queuedMail, 64)}
	if cfg.Port == 25 {
		r.healthState = health.State{Level: health.Critical, Message: ErrSTARTTLSUnsupported.Error()}
	}
	return r
}

// Enqueue schedules to receive sms by email, to be picked up by
// RunDeliveryLoop.
func (r *Relay) Enqueue(to string, s *sms.SMS) {
	select {
	case r.queue <- queuedMail{to: to, sms: s}:
	default:
		r.logger.Printf("smtp: delivery queue full, dropping mail for %s", to)
	}
}

// RunDeliveryLoop is the dedicated delivery thread. It pops the queue
// with a 10s timeout; on failure it re-pushes the mail, triggers a
// health check, and sleeps 30s before trying again.
func (r *Relay) RunDeliveryLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case m := <-r.queue:
			if !r.SendMail(m.to, m.sms) {
				r.DoHealthCheck(true)
				select {
				case r.queue <- m:
				default:
					r.logger.Printf("smtp: delivery queue full, dropping retried mail for %s", m.to)
				}
				select {
				case <-stop:
					return
				case <-time.After(30 * time.Second):
				}
			}
		case <-time.After(10 * time.Second):
		}
	}
}

// SendMail delivers s to the given address.
func (r *Relay) SendMail(to string, s *sms.SMS) bool {
	if r.cfg.Port == 25 {
		return false
	}
	subject := fmt.Sprintf("SMS from %s to %s", s.Sender, s.Recipient)
	body := s.String()

	if err := r.deliverOnce(to, subject, body); err != nil {
		if containsNonASCII(body) {
			if err2 := r.deliverOnce(to, subject, asciiEscape(body)); err2 == nil {
				r.markHealthy()
				return true
			}
		}
		r.failAndDrop(err)
		return false
	}
	r.markHealthy()
	return true
}

func (r *Relay) deliverOnce(to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		if err := r.connectLocked(); err != nil {
			return err
		}
	}
	msg := buildMessage(r.cfg.User, to, subject, body)
	if err := r.conn.Reset(); err != nil {
		r.conn = nil
		return err
	}
	if err := r.conn.Mail(r.cfg.User); err != nil {
		return err
	}
	if err := r.conn.Rcpt(to); err != nil {
		return err
	}
	w, err := r.conn.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// connectLocked dials a TLS connection and authenticates. Caller must
// hold r.mu.
func (r *Relay) connectLocked() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Server, r.cfg.Port)
	tlsConn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: r.cfg.Server, MinVersion: tls.VersionTLS12})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(tlsConn, r.cfg.Server)
	if err != nil {
		tlsConn.Close()
		return err
	}
	if err := client.Hello(r.cfg.Server); err != nil {
		client.Close()
		return fmt.Errorf("HELO: %w", err)
	}
	if r.cfg.User != "" {
		auth := smtp.PlainAuth("", r.cfg.User, r.cfg.Password, r.cfg.Server)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return fmt.Errorf("AUTH: %w", err)
		}
	}
	r.conn = client
	return nil
}

func (r *Relay) markHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthState = health.State{Level: health.OK}
}

func (r *Relay) failAndDrop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	level, msg := classifyError(err)
	r.healthState = health.State{Level: level, Message: msg}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// HealthState returns the last computed health.
func (r *Relay) HealthState() health.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthState
}

// DoHealthCheck performs up to two NOOP attempts, gated by its own
// interval unless force is set.
func (r *Relay) DoHealthCheck(force bool) {
	r.mu.Lock()
	due := force || r.lastHealthCheck.IsZero() || r.healthState.Level != health.OK ||
		time.Since(r.lastHealthCheck) >= r.cfg.HealthCheckInterval
	if r.cfg.Port == 25 {
		r.lastHealthCheck = time.Now().UTC()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if !due {
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		r.mu.Lock()
		if r.conn == nil {
			if err := r.connectLocked(); err != nil {
				r.mu.Unlock()
				lastErr = err
				continue
			}
		}
		err := r.conn.Noop()
		if err == nil {
			r.healthState = health.State{Level: health.OK}
			r.lastHealthCheck = time.Now().UTC()
			r.mu.Unlock()
			return
		}
		r.conn.Close()
		r.conn = nil
		r.mu.Unlock()
		lastErr = err
	}

	r.mu.Lock()
	level, msg := classifyError(lastErr)
	r.healthState = health.State{Level: level, Message: msg}
	r.lastHealthCheck = time.Now().UTC()
	r.mu.Unlock()
}

// classifyError sorts an SMTP failure into categories: HELO / AUTH /
// NOT SUPPORTED / generic SMTP / connection / other.
func classifyError(err error) (health.Level, string) {
	if err == nil {
		return health.OK, ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "HELO"):
		return health.Critical, "HELO failed: " + msg
	case strings.Contains(msg, "AUTH"):
		return health.Critical, "authentication failed: " + msg
	case strings.Contains(msg, "not implemented") || strings.Contains(msg, "502"):
		return health.Critical, "command not supported by server: " + msg
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return health.Critical, "SMTP error: " + msg
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return health.Critical, "connection error: " + msg
	}
	return health.Critical, msg
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func containsNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

// asciiEscape replaces every non-ASCII rune with its \uXXXX escape, for
// the retry path when a server rejects a UTF-8 body outright.
func asciiEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r > 127 {
			fmt.Fprintf(&b, `\u%04x`, r)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
