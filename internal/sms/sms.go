// Package sms defines the SMS value type shared by every other component:
// the pool, the workers, the SMTP relay and the RPC endpoint all pass
// *sms.SMS around rather than redefining their own message struct.
package sms

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMS is an (almost) immutable record of a single message. The only
// mutable field after construction is WorkerID, which inbound delivery
// sets once.
type SMS struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
	Flash     bool      `json:"flash,omitempty"`

	// WorkerID is an opaque back-reference into the pool's worker table,
	// set only for inbound SMS. It is a plain identifier rather than a
	// worker handle so an SMS can outlive, or be freed independently of,
	// the worker that received it.
	WorkerID string `json:"worker_id,omitempty"`
}

// New constructs an SMS. If id is empty a new one is generated. id is
// never mutated after construction.
func New(id, sender, recipient, text string, timestamp time.Time, flash bool) *SMS {
	if id == "" {
		id = uuid.New().String()
	}
	return &SMS{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: timestamp.UTC(),
		CreatedAt: time.Now().UTC(),
		Flash:     flash,
	}
}

// Age is now - Timestamp.
func (s *SMS) Age() time.Duration {
	return time.Since(s.Timestamp)
}

// String renders the SMS as the body used by the SMTP relay.
func (s *SMS) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", s.Sender)
	fmt.Fprintf(&b, "To: %s\n", s.Recipient)
	fmt.Fprintf(&b, "Time: %s\n", s.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "\n%s\n", s.Text)
	return b.String()
}

// LoopbackPrefix is the fixed text prefix used for self-test loopback
// SMS.
const LoopbackPrefix = "health-check-"

// NewLoopbackToken returns a fresh "health-check-<uuid>" token.
func NewLoopbackToken() string {
	return LoopbackPrefix + uuid.New().String()
}

// e123 matches a normalized phone number: a leading '+' followed by one
// or more digits, nothing else.
var e123 = regexp.MustCompile(`^\+\d+$`)

// NormalizePhone strips every character that is not '+' or a digit. It
// is idempotent: NormalizePhone(NormalizePhone(x)) == NormalizePhone(x).
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPhone reports whether a (normalized) phone number is a valid
// E.123 international number: ^\+\d+$.
func ValidPhone(normalized string) bool {
	return e123.MatchString(normalized)
}
