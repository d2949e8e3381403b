package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/pool"
	"github.com/kgibson/smsgate/internal/sms"
	"golang.org/x/crypto/bcrypt"
)

type fakePool struct {
	sent       *sms.SMS
	delivered  bool
	buffered   map[string][]*sms.SMS
	identifier map[string]string // phone -> identifier
	health     health.State
	ussdBody   string
	ussdOK     bool
	stats      map[string]pool.Stats
}

func (f *fakePool) SendSMS(s *sms.SMS) string {
	f.sent = s
	return s.ID
}
func (f *fakePool) DeliveryStatus(string) bool { return f.delivered }
func (f *fakePool) BufferedSMS(identifier string) []*sms.SMS {
	return f.buffered[identifier]
}
func (f *fakePool) IdentifierForPhone(phone string) (string, bool) {
	id, ok := f.identifier[phone]
	return id, ok
}
func (f *fakePool) SendUSSD(context.Context, string, string) (string, bool) {
	return f.ussdBody, f.ussdOK
}
func (f *fakePool) HealthState() health.State           { return f.health }
func (f *fakePool) Stats() map[string]pool.Stats        { return f.stats }

type fakeMailer struct{ state health.State }

func (f *fakeMailer) HealthState() health.State { return f.state }

func newTestEndpoint(tokenPlain string) (*Endpoint, *fakePool) {
	hash, err := bcrypt.GenerateFromPassword([]byte(tokenPlain), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	p := &fakePool{identifier: map[string]string{}, buffered: map[string][]*sms.SMS{}}
	cfg := Config{
		EnableSendSMS:  true,
		EnableSendUSSD: true,
		Tokens: map[string][]string{
			"ping":                 {string(hash)},
			"send_sms":             {string(hash)},
			"get_delivery_status":  {string(hash)},
			"get_health_state":     {string(hash)},
			"send_ussd":            {string(hash)},
			"get_stats":            {string(hash)},
		},
		GetSMSTokens: map[string][]string{},
	}
	return New(cfg, p, &fakeMailer{}, log.Default()), p
}

func doRequest(e *Endpoint, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/rpc/x", bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSendSMSRejectsWrongToken(t *testing.T) {
	e, p := newTestEndpoint("secret")
	rec := doRequest(e, e.handleSendSMS, map[string]string{
		"token": "wrong", "sender": "", "recipient": "+4915112345678", "text": "hi",
	})
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if p.sent != nil {
		t.Fatal("expected no sms enqueued on auth failure")
	}
}

func TestSendSMSAcceptsCorrectToken(t *testing.T) {
	e, p := newTestEndpoint("secret")
	rec := doRequest(e, e.handleSendSMS, map[string]string{
		"token": "secret", "sender": "", "recipient": "+4915112345678", "text": "hi",
	})
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if p.sent == nil || p.sent.Recipient != "+4915112345678" {
		t.Fatalf("expected sms enqueued to +4915112345678, got %+v", p.sent)
	}
}

func TestSendSMSRejectsInvalidRecipient(t *testing.T) {
	e, _ := newTestEndpoint("secret")
	rec := doRequest(e, e.handleSendSMS, map[string]string{
		"token": "secret", "recipient": "not-a-number", "text": "hi",
	})
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendSMSDisabledFeature(t *testing.T) {
	e, p := newTestEndpoint("secret")
	e.cfg.EnableSendSMS = false
	rec := doRequest(e, e.handleSendSMS, map[string]string{
		"token": "secret", "recipient": "+4915112345678", "text": "hi",
	})
	if rec.Code != 405 {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if p.sent != nil {
		t.Fatal("expected no sms enqueued when feature disabled")
	}
}

func TestPingRequiresToken(t *testing.T) {
	e, _ := newTestEndpoint("secret")
	rec := doRequest(e, e.handlePing, map[string]string{"token": "wrong"})
	if rec.Code != 401 {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
	rec = doRequest(e, e.handlePing, map[string]string{"token": "secret"})
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["result"] != "OK" {
		t.Fatalf("result = %q, want OK", body["result"])
	}
}

func TestGetHealthStateCombinesPoolAndMail(t *testing.T) {
	e, p := newTestEndpoint("secret")
	p.health = health.State{Level: health.Warning, Message: "low signal"}
	e.mail = &fakeMailer{state: health.State{Level: health.Critical, Message: "smtp down"}}

	rec := doRequest(e, e.handleGetHealthState, map[string]string{"token": "secret"})
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["level"] != "CRITICAL" {
		t.Fatalf("level = %q, want CRITICAL", body["level"])
	}
	if body["message"] != "low signal; smtp down" {
		t.Fatalf("message = %q", body["message"])
	}
}

func TestGetHealthStateIncludesEndpointOwnState(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePool{}
	cfg := Config{
		Tokens: map[string][]string{
			"get_health_state": {string(hash)},
		},
		GetSMSTokens:     map[string][]string{"sim0": {string(hash)}},
		ModemIdentifiers: []string{"sim0", "sim1"}, // sim1 has no get_sms token
	}
	e := New(cfg, p, &fakeMailer{}, log.Default())

	rec := doRequest(e, e.handleGetHealthState, map[string]string{"token": "secret"})
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["level"] != "WARNING" {
		t.Fatalf("level = %q, want WARNING for missing sim1 get_sms token", body["level"])
	}
	if !strings.Contains(body["message"], "token_sim1_get_sms") {
		t.Fatalf("message = %q, want mention of token_sim1_get_sms", body["message"])
	}
}
