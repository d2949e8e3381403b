// Package modem implements the worker that owns a single serial device,
// presenting an async send/receive interface to the pool and driving
// the physical modem through initialization, self-test and health
// checks.
package modem

import (
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/kgibson/smsgate/internal/atmodem"
	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/eventsignal"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/portmap"
	"github.com/kgibson/smsgate/internal/sms"
)

// Worker owns one serial port and the SIM behind it.
type Worker struct {
	cfg    *config.Modem
	mapper *portmap.Mapper
	events *eventsignal.Signal
	trace  *log.Logger
	logger *log.Logger

	outbound chan *sms.SMS
	inbound  chan *sms.SMS

	mu              sync.Mutex
	conn            *atmodem.Modem
	currentPort     string
	status          string
	balance         *float64
	currentNetwork  string
	currentSignal   int
	lastInit        time.Time
	lastSent        time.Time
	lastReceived    time.Time
	initCounter     int
	inFlight        map[string]bool   // sms id -> delivered
	pendingByMR     map[string]string // message reference -> sms id, awaiting a +CDS report
	healthState     health.Level
	healthMessage   string
	lastHealthCheck time.Time
	loopbackToken   string
}

// ErrPINIncorrect is the single fatal worker condition: the process must
// terminate rather than retry, to avoid locking the SIM.
// (Declared in init.go alongside the rest of the init algorithm.)

// New constructs a Worker for one validated SIM configuration. mapper and
// events are shared across every worker in the pool.
func New(cfg *config.Modem, mapper *portmap.Mapper, events *eventsignal.Signal, logger, traceLog *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		cfg:         cfg,
		mapper:      mapper,
		events:      events,
		trace:       traceLog,
		logger:      logger,
		outbound:    make(chan *sms.SMS, 64),
		inbound:     make(chan *sms.SMS, 64),
		inFlight:    make(map[string]bool),
		pendingByMR: make(map[string]string),
		status:      "Not initialized.",
	}
}

// Identifier returns the worker's stable opaque label.
func (w *Worker) Identifier() string { return w.cfg.Identifier }

// Prefixes returns the E.123 prefixes this SIM serves.
func (w *Worker) Prefixes() []string { return w.cfg.Prefixes }

// CostPerSMS returns the unitless per-SMS cost used for routing.
func (w *Worker) CostPerSMS() float64 { return w.cfg.CostPerSMS }

// PhoneNumber returns this SIM's own E.123 number.
func (w *Worker) PhoneNumber() string { return w.cfg.PhoneNumber }

// Currency returns the configured USSD balance currency label.
func (w *Worker) Currency() string { return w.cfg.USSDCurrency }

// EmailAddress returns the worker's configured SMTP recipient override,
// or "" if it falls back to the global default.
func (w *Worker) EmailAddress() string { return w.cfg.EmailAddress }

// EnqueueOutbound schedules sms for sending; non-blocking. Updates
// LastSent immediately on enqueue, not on confirmed send.
func (w *Worker) EnqueueOutbound(s *sms.SMS) {
	w.mu.Lock()
	w.lastSent = time.Now().UTC()
	w.inFlight[s.ID] = false
	w.mu.Unlock()
	select {
	case w.outbound <- s:
	default:
		w.logger.Printf("modem %s: outbound queue full, dropping sms %s", w.Identifier(), s.ID)
	}
	w.events.Raise()
}

// DeliveryStatus reports whether the modem library has observed id as
// delivered; unknown ids report false.
func (w *Worker) DeliveryStatus(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight[id]
}

// Forget removes id from the in-flight set if (and only if) it was
// delivered; used by the pool's cleanup sweep.
func (w *Worker) Forget(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[id] {
		delete(w.inFlight, id)
		return true
	}
	return false
}

// PollInbound pops the oldest buffered inbound SMS, if any.
func (w *Worker) PollInbound() (*sms.SMS, bool) {
	select {
	case s := <-w.inbound:
		return s, true
	default:
		return nil, false
	}
}

// HealthState returns the last computed health.
func (w *Worker) HealthState() health.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return health.State{Level: w.healthState, Message: w.healthMessage}
}

// Status returns the current human-readable status string.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Snapshot is the read-only view of worker state used by ModemPool.Stats.
type Snapshot struct {
	PhoneNumber    string
	CurrentNetwork string
	CurrentSignal  int // dBm
	Port           string
	Status         string
	Balance        *float64
	Currency       string
	HealthState    health.Level
	HealthMessage  string
	InitCounter    int
	LastInit       time.Time
	LastReceived   time.Time
	LastSent       time.Time
}

// Snapshot returns a consistent point-in-time copy of worker state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		PhoneNumber:    w.cfg.PhoneNumber,
		CurrentNetwork: w.currentNetwork,
		CurrentSignal:  signalToDBm(w.currentSignal),
		Port:           w.currentPort,
		Status:         w.status,
		Balance:        w.balance,
		Currency:       w.cfg.USSDCurrency,
		HealthState:    w.healthState,
		HealthMessage:  w.healthMessage,
		InitCounter:    w.initCounter,
		LastInit:       w.lastInit,
		LastReceived:   w.lastReceived,
		LastSent:       w.lastSent,
	}
}

// signalToDBm maps RSSI (0..31, or 99 for unknown) to dBm.
func signalToDBm(rssi int) int {
	dbmTable := [...]int{
		-109, -107, -105, -103, -101, -99, -97, -95, -93, -91,
		-89, -87, -85, -83, -81, -79, -77, -75, -73, -71,
		-69, -67, -65, -63, -61, -59, -57, -55, -53,
	}
	switch {
	case rssi >= 2 && rssi <= 30:
		return dbmTable[rssi-2]
	case rssi >= 31 && rssi != 99:
		return -51
	default:
		return -113
	}
}

// backoffFor30s returns a backoff.Backoff configured for a constant 30s
// interval between reinit attempts; jpillora/backoff is reused here
// even though this particular interval is fixed rather than exponential.
func backoffFor30s() *backoff.Backoff {
	return &backoff.Backoff{Min: 30 * time.Second, Max: 30 * time.Second}
}
