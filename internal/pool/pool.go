// Package pool implements ModemPool: the registry of every configured
// worker, the outbound routing entry point and the inbound buffering
// layer the RPC endpoint reads from.
//
// The outbound queue and its drain loop follow the same channel-fed
// pending-message pattern as a database-backed sender, reworked here
// into an in-memory pool.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/modem"
	"github.com/kgibson/smsgate/internal/router"
	"github.com/kgibson/smsgate/internal/sms"
)

// Worker is the subset of *modem.Worker the pool depends on. A narrow
// interface keeps the pool testable without a real serial transport,
// following the same pattern as router.HealthSource.
type Worker interface {
	Identifier() string
	Prefixes() []string
	CostPerSMS() float64
	PhoneNumber() string
	EmailAddress() string
	EnqueueOutbound(s *sms.SMS)
	DeliveryStatus(id string) bool
	Forget(id string) bool
	PollInbound() (*sms.SMS, bool)
	HealthState() health.State
	SendUSSD(ctx context.Context, code string) (string, bool)
	Snapshot() modem.Snapshot
}

type bufferedSMS struct {
	sms      *sms.SMS
	poppedAt time.Time
}

// Stats is one worker's entry in the pool-wide snapshot.
type Stats struct {
	PhoneNumber    string       `json:"phone_number"`
	CurrentNetwork string       `json:"current_network"`
	CurrentSignal  int          `json:"current_signal"`
	Port           string       `json:"port"`
	Status         string       `json:"status"`
	Balance        *float64     `json:"balance"`
	Currency       string       `json:"currency"`
	Sent           int          `json:"sent"`
	Received       int          `json:"received"`
	HealthState    health.Level `json:"health_state_short"`
	HealthMessage  string       `json:"health_state_message"`
	InitCounter    int          `json:"init_counter"`
	LastInit       string       `json:"last_init"`
	LastReceived   string       `json:"last_received"`
	LastSent       string       `json:"last_sent"`
}

// Pool registers every ModemWorker and mediates outbound routing,
// inbound buffering and aggregate health.
type Pool struct {
	router         *router.Router
	events         eventRaiser
	healthInterval time.Duration
	logger         *log.Logger

	mu            sync.Mutex
	workers       map[string]Worker
	order         []string // registration order, for get_inbound fairness
	sentIndex     map[string]string
	inboundBuffer map[string]map[string]*bufferedSMS
	sent          map[string]int
	received      map[string]int

	lastHealthCheck time.Time
	healthState     health.State

	outbound chan *sms.SMS
}

// eventRaiser matches eventsignal.Signal's Raise method; named narrowly
// so the pool does not need to import eventsignal for a single method.
type eventRaiser interface {
	Raise()
}

// New constructs an empty Pool. events is raised whenever a new outbound
// SMS is queued, waking the supervisor's event loop.
func New(r *router.Router, events eventRaiser, healthInterval time.Duration, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		router:         r,
		events:         events,
		healthInterval: healthInterval,
		logger:         logger,
		workers:        make(map[string]Worker),
		sentIndex:      make(map[string]string),
		inboundBuffer:  make(map[string]map[string]*bufferedSMS),
		sent:           make(map[string]int),
		received:       make(map[string]int),
		outbound:       make(chan *sms.SMS, 256),
		healthState:    health.State{Level: health.Critical, Message: "no modems registered"},
	}
}

// AddModem registers w, wiring it into the router and initializing its
// per-worker counters.
func (p *Pool) AddModem(w Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := w.Identifier()
	p.workers[id] = w
	p.order = append(p.order, id)
	p.sent[id] = 0
	p.received[id] = 0
	p.inboundBuffer[id] = make(map[string]*bufferedSMS)
	p.router.Add(id, w.Prefixes(), w.CostPerSMS(), w)
}

// SendSMS enqueues sms for routing and returns its id. No routing
// decision is made yet.
func (p *Pool) SendSMS(s *sms.SMS) string {
	select {
	case p.outbound <- s:
	default:
		p.logger.Printf("pool: outbound queue full, dropping sms %s", s.ID)
	}
	p.events.Raise()
	return s.ID
}

// ProcessOutgoing drains the outbound queue, resolving each SMS to a
// worker identifier and handing it off.
func (p *Pool) ProcessOutgoing() {
	for {
		var s *sms.SMS
		select {
		case s = <-p.outbound:
		default:
			return
		}
		p.dispatch(s)
	}
}

func (p *Pool) dispatch(s *sms.SMS) {
	p.mu.Lock()
	identifier, worker := p.resolveLocked(s)
	if worker != nil {
		p.sentIndex[s.ID] = identifier
		p.sent[identifier]++
	}
	p.mu.Unlock()

	if worker == nil {
		p.logger.Printf("pool: no route for sms %s to %s, dropping", s.ID, s.Recipient)
		return
	}
	worker.EnqueueOutbound(s)
}

// resolveLocked must be called with p.mu held.
func (p *Pool) resolveLocked(s *sms.SMS) (string, Worker) {
	if s.Sender != "" {
		for _, id := range p.order {
			w := p.workers[id]
			if w.PhoneNumber() == s.Sender {
				if w.HealthState().Level == health.OK {
					return id, w
				}
				break // sender matched but unhealthy: fall through to routing
			}
		}
	}
	id, ok := p.router.Get(s.Recipient)
	if !ok {
		return "", nil
	}
	w, ok := p.workers[id]
	if !ok {
		return "", nil
	}
	return id, w
}

// DeliveryStatus reports whether id has been delivered, per the worker
// it was last routed to.
func (p *Pool) DeliveryStatus(id string) bool {
	p.mu.Lock()
	identifier, ok := p.sentIndex[id]
	w := p.workers[identifier]
	p.mu.Unlock()
	if !ok || w == nil {
		return false
	}
	return w.DeliveryStatus(id)
}

// GetInbound pops the oldest pending inbound SMS of the first worker, in
// registration order, that has one, buffering a copy for later
// retrieval.
func (p *Pool) GetInbound() (*sms.SMS, bool) {
	p.mu.Lock()
	order := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range order {
		p.mu.Lock()
		w := p.workers[id]
		p.mu.Unlock()
		if w == nil {
			continue
		}
		s, ok := w.PollInbound()
		if !ok {
			continue
		}
		p.mu.Lock()
		if p.inboundBuffer[id] == nil {
			p.inboundBuffer[id] = make(map[string]*bufferedSMS)
		}
		p.inboundBuffer[id][s.ID] = &bufferedSMS{sms: s, poppedAt: time.Now().UTC()}
		p.received[id]++
		p.mu.Unlock()
		return s, true
	}
	return nil, false
}

// BufferedSMS returns the buffered inbound SMS for identifier, oldest
// first.
func (p *Pool) BufferedSMS(identifier string) []*sms.SMS {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.inboundBuffer[identifier]
	out := make([]*sms.SMS, 0, len(buf))
	for _, b := range buf {
		out = append(out, b.sms)
	}
	sortByTimestamp(out)
	return out
}

// IdentifierForPhone returns the identifier of the worker whose own
// phone number equals phone.
func (p *Pool) IdentifierForPhone(phone string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		if p.workers[id].PhoneNumber() == phone {
			return id, true
		}
	}
	return "", false
}

// EmailAddressFor returns the configured SMTP recipient override for
// identifier, used by the supervisor's mail pipeline.
func (p *Pool) EmailAddressFor(identifier string) (string, bool) {
	p.mu.Lock()
	w := p.workers[identifier]
	p.mu.Unlock()
	if w == nil {
		return "", false
	}
	return w.EmailAddress(), true
}

// SendUSSD forwards code to the named worker synchronously.
func (p *Pool) SendUSSD(ctx context.Context, identifier, code string) (string, bool) {
	p.mu.Lock()
	w := p.workers[identifier]
	p.mu.Unlock()
	if w == nil {
		return "", false
	}
	return w.SendUSSD(ctx, code)
}

// HealthState returns the cached pool-wide aggregate.
func (p *Pool) HealthState() health.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthState
}

// DoHealthCheck recomputes the pool-wide aggregate if due, then runs
// cleanup opportunistically.
func (p *Pool) DoHealthCheck() {
	p.mu.Lock()
	due := p.lastHealthCheck.IsZero() || p.healthState.Level != health.OK ||
		time.Since(p.lastHealthCheck) >= p.healthInterval
	if !due {
		p.mu.Unlock()
		return
	}
	order := append([]string(nil), p.order...)
	workers := make(map[string]Worker, len(order))
	for _, id := range order {
		workers[id] = p.workers[id]
	}
	p.mu.Unlock()

	var agg health.State
	if len(order) == 0 {
		agg = health.State{Level: health.Critical, Message: "no modems registered"}
	} else {
		states := make([]health.State, 0, len(order))
		for _, id := range order {
			states = append(states, workers[id].HealthState())
		}
		agg = health.Highest(states...)
	}

	p.mu.Lock()
	p.healthState = agg
	p.lastHealthCheck = time.Now().UTC()
	p.mu.Unlock()

	p.cleanup()
}

// cleanup forgets delivered outbound ids and drops inbound buffer
// entries older than 60s.
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, identifier := range p.sentIndex {
		w := p.workers[identifier]
		if w != nil && w.Forget(id) {
			delete(p.sentIndex, id)
		}
	}

	const maxBufferedAge = 60 * time.Second
	now := time.Now().UTC()
	for _, buf := range p.inboundBuffer {
		for id, b := range buf {
			if now.Sub(b.poppedAt) > maxBufferedAge {
				delete(buf, id)
			}
		}
	}
}

// Stats returns a snapshot of every registered worker.
func (p *Pool) Stats() map[string]Stats {
	p.mu.Lock()
	order := append([]string(nil), p.order...)
	workers := make(map[string]Worker, len(order))
	sent := make(map[string]int, len(order))
	received := make(map[string]int, len(order))
	for _, id := range order {
		workers[id] = p.workers[id]
		sent[id] = p.sent[id]
		received[id] = p.received[id]
	}
	p.mu.Unlock()

	out := make(map[string]Stats, len(order))
	for _, id := range order {
		snap := workers[id].Snapshot()
		out[id] = Stats{
			PhoneNumber:    snap.PhoneNumber,
			CurrentNetwork: snap.CurrentNetwork,
			CurrentSignal:  snap.CurrentSignal,
			Port:           snap.Port,
			Status:         snap.Status,
			Balance:        snap.Balance,
			Currency:       snap.Currency,
			Sent:           sent[id],
			Received:       received[id],
			HealthState:    snap.HealthState,
			HealthMessage:  snap.HealthMessage,
			InitCounter:    snap.InitCounter,
			LastInit:       formatTimestamp(snap.LastInit),
			LastReceived:   formatTimestamp(snap.LastReceived),
			LastSent:       formatTimestamp(snap.LastSent),
		}
	}
	return out
}

// formatTimestamp renders t as "YYYY-MM-DD HH:MM", or "" if t is zero.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func sortByTimestamp(list []*sms.SMS) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].Timestamp.Before(list[j-1].Timestamp); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}
