// Package rpc implements RpcEndpoint: a mutually authenticated TLS
// HTTP server exposing the gateway's control methods.
//
// Routing follows a gorilla/mux subrouter with one handler func per
// method and JSON responses built with encoding/json; the mutual-TLS
// listener and per-method bcrypt token check sit in front of that.
package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/pool"
	"github.com/kgibson/smsgate/internal/sms"
	"golang.org/x/crypto/bcrypt"
)

// Pool is the subset of *pool.Pool the endpoint depends on.
type Pool interface {
	SendSMS(s *sms.SMS) string
	DeliveryStatus(id string) bool
	BufferedSMS(identifier string) []*sms.SMS
	IdentifierForPhone(phone string) (string, bool)
	SendUSSD(ctx context.Context, identifier, code string) (string, bool)
	HealthState() health.State
	Stats() map[string]pool.Stats
}

// Mailer is the subset of *smtp.Relay needed for aggregate health.
type Mailer interface {
	HealthState() health.State
}

// Config is the subset of config.Main the endpoint reads.
type Config struct {
	Host           string
	Port           int
	Cert           string
	Key            string
	Ciphers        []string
	EnableSendSMS  bool
	EnableSendUSSD bool
	Tokens         map[string][]string
	GetSMSTokens   map[string][]string
	// ModemIdentifiers is every registered modem identifier; each one
	// needs a token_<identifier>_get_sms entry, and the endpoint's own
	// health goes WARNING for any that lack one.
	ModemIdentifiers []string
}

// fault is a structured RPC error carrying an HTTP-ish integer code.
type fault struct {
	Code    int
	Message string
}

func (f *fault) Error() string { return f.Message }

func badArgument(msg string) *fault        { return &fault{Code: 400, Message: msg} }
func unauthorized() *fault                 { return &fault{Code: 401, Message: "invalid or missing token"} }
func featureDisabled(feature string) *fault { return &fault{Code: 405, Message: feature + " is disabled"} }

// Endpoint is the RpcEndpoint component.
type Endpoint struct {
	cfg    Config
	pool   Pool
	mail   Mailer
	logger *log.Logger

	// selfState is the endpoint's own contribution to get_health_state,
	// computed once at construction from the token configuration.
	selfState health.State

	server *http.Server
}

// New constructs an Endpoint bound to pool and mail, but does not start
// listening until Run is called.
func New(cfg Config, p Pool, mail Mailer, logger *log.Logger) *Endpoint {
	if logger == nil {
		logger = log.Default()
	}
	e := &Endpoint{cfg: cfg, pool: p, mail: mail, logger: logger}
	for _, id := range cfg.ModemIdentifiers {
		if len(cfg.GetSMSTokens[id]) == 0 {
			msg := fmt.Sprintf("Warning: token_%s_get_sms not defined in API key configuration.", id)
			logger.Print("rpc: " + msg)
			e.selfState = health.State{Level: health.Warning, Message: msg}
		}
	}
	return e
}

// Run starts the mutually-authenticated TLS listener and blocks until
// ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context) error {
	tlsCfg, err := e.tlsConfig()
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/rpc").Subrouter()
	api.Methods("POST").Path("/ping").HandlerFunc(e.handlePing)
	api.Methods("POST").Path("/send_sms").HandlerFunc(e.handleSendSMS)
	api.Methods("POST").Path("/get_delivery_status").HandlerFunc(e.handleGetDeliveryStatus)
	api.Methods("POST").Path("/get_sms").HandlerFunc(e.handleGetSMS)
	api.Methods("POST").Path("/get_health_state").HandlerFunc(e.handleGetHealthState)
	api.Methods("POST").Path("/send_ussd").HandlerFunc(e.handleSendUSSD)
	api.Methods("POST").Path("/get_stats").HandlerFunc(e.handleGetStats)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	e.server = &http.Server{
		Addr:      addr,
		Handler:   r,
		TLSConfig: tlsCfg,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Printf("rpc: listening on %s", addr)
		errCh <- e.server.ListenAndServeTLS(e.cfg.Cert, e.cfg.Key)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// tlsConfig builds the mutual-TLS listener configuration.
func (e *Endpoint) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(e.cfg.Cert, e.cfg.Key)
	if err != nil {
		return nil, err
	}
	suites, err := cipherSuites(e.cfg.Ciphers)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
	}
	return cfg, nil
}

// cipherSuites resolves configured cipher names against the suites the
// runtime supports; an empty list selects the AEAD-only default.
func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return aeadCipherSuites(), nil
	}
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	out := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown or insecure cipher suite %q", n)
		}
		out = append(out, id)
	}
	return out, nil
}

// aeadCipherSuites is the modern AEAD-only default cipher list.
func aeadCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	}
}

// checkToken compares token against every bcrypt hash registered for
// method; any match passes.
func checkToken(hashes []string, token string) bool {
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(token)) == nil {
			return true
		}
	}
	return false
}

func (e *Endpoint) authorize(method, token string) *fault {
	hashes := e.cfg.Tokens[method]
	if len(hashes) == 0 || !checkToken(hashes, token) {
		return unauthorized()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rpc: failed writing response: %v", err)
	}
}

func writeFault(w http.ResponseWriter, f *fault) {
	writeJSON(w, statusForFault(f.Code), map[string]any{
		"fault_code": f.Code,
		"message":    f.Message,
	})
}

func statusForFault(code int) int {
	switch code {
	case 400, 401, 405:
		return code
	default:
		return 500
	}
}

func decodeBody(r *http.Request, v any) *fault {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badArgument("malformed request body: " + err.Error())
	}
	return nil
}

func (e *Endpoint) handlePing(w http.ResponseWriter, r *http.Request) {
	var req struct{ Token string `json:"token"` }
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("ping", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, 200, map[string]string{"result": "OK"})
}

func (e *Endpoint) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string `json:"token"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Text      string `json:"text"`
	}
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("send_sms", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	if !e.cfg.EnableSendSMS {
		writeFault(w, featureDisabled("send_sms"))
		return
	}

	recipient := sms.NormalizePhone(req.Recipient)
	if !sms.ValidPhone(recipient) {
		writeFault(w, badArgument("invalid recipient: "+req.Recipient))
		return
	}
	sender := ""
	if req.Sender != "" {
		sender = sms.NormalizePhone(req.Sender)
		if !sms.ValidPhone(sender) {
			writeFault(w, badArgument("invalid sender: "+req.Sender))
			return
		}
	}

	s := sms.New("", sender, recipient, req.Text, time.Now(), false)
	id := e.pool.SendSMS(s)
	writeJSON(w, 200, map[string]string{"sms_id": id})
}

func (e *Endpoint) handleGetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		SMSID string `json:"sms_id"`
	}
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("get_delivery_status", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, 200, map[string]bool{"delivered": e.pool.DeliveryStatus(req.SMSID)})
}

func (e *Endpoint) handleGetSMS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Phone string `json:"phone"`
	}
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}

	if req.Phone == "" {
		var out []*sms.SMS
		for identifier, hashes := range e.cfg.GetSMSTokens {
			if checkToken(hashes, req.Token) {
				out = append(out, e.pool.BufferedSMS(identifier)...)
			}
		}
		writeJSON(w, 200, map[string]any{"sms": out})
		return
	}

	identifier, ok := e.pool.IdentifierForPhone(req.Phone)
	if !ok {
		writeFault(w, badArgument("unknown phone: "+req.Phone))
		return
	}
	if !checkToken(e.cfg.GetSMSTokens[identifier], req.Token) {
		writeFault(w, unauthorized())
		return
	}
	writeJSON(w, 200, map[string]any{"sms": e.pool.BufferedSMS(identifier)})
}

func (e *Endpoint) handleGetHealthState(w http.ResponseWriter, r *http.Request) {
	var req struct{ Token string `json:"token"` }
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("get_health_state", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	agg := health.Highest(e.pool.HealthState(), e.mail.HealthState(), e.selfState)
	writeJSON(w, 200, map[string]string{"level": agg.Level.String(), "message": agg.Message})
}

func (e *Endpoint) handleSendUSSD(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Sender string `json:"sender"`
		Code   string `json:"code"`
	}
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("send_ussd", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	if !e.cfg.EnableSendUSSD {
		writeFault(w, featureDisabled("send_ussd"))
		return
	}
	identifier, ok := e.pool.IdentifierForPhone(sms.NormalizePhone(req.Sender))
	if !ok {
		writeFault(w, badArgument("unknown sender: "+req.Sender))
		return
	}
	body, ok := e.pool.SendUSSD(r.Context(), identifier, req.Code)
	writeJSON(w, 200, map[string]any{"ok": ok, "body": body})
}

func (e *Endpoint) handleGetStats(w http.ResponseWriter, r *http.Request) {
	var req struct{ Token string `json:"token"` }
	if f := decodeBody(r, &req); f != nil {
		writeFault(w, f)
		return
	}
	if f := e.authorize("get_stats", req.Token); f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, 200, e.pool.Stats())
}
