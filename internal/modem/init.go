package modem

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kgibson/smsgate/internal/atmodem"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/sms"
)

// ErrPINIncorrect is the single fatal error a Worker can surface: never
// retry with the same wrong PIN, to avoid locking the SIM. The run loop
// propagates it to the Supervisor, which terminates the process.
var ErrPINIncorrect = errors.New("incorrect SIM PIN, refusing to retry")

// ErrPortNotFound means find_port exhausted every glob candidate without
// locating the expected IMEI.
var ErrPortNotFound = errors.New("modem not found on any candidate port")

// init runs the full modem initialization sequence: port resolution,
// PIN unlock, network wait, stale-SMS cleanup, then marks Ready.
func (w *Worker) init(ctx context.Context) error {
	w.mu.Lock()
	w.currentNetwork = ""
	w.currentSignal = 0
	w.status = "Try to initialize modem."
	w.mu.Unlock()

	if w.portWasRenumbered(ctx) {
		w.mu.Lock()
		w.currentPort = ""
		w.mu.Unlock()
	}

	w.mu.Lock()
	port := w.currentPort
	w.mu.Unlock()
	if port == "" {
		p, err := w.findPort(ctx)
		if err != nil {
			w.setStatus("Failed finding port.")
			return err
		}
		port = p
		w.mu.Lock()
		w.currentPort = port
		w.mu.Unlock()
	}

	waitForStart := time.Duration(w.cfg.WaitForStartS) * time.Second
	if waitForStart <= 0 {
		waitForStart = 30 * time.Second
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, waitForStart)
	conn, err := atmodem.Dial(dialCtx, port, w.cfg.Baud, w.trace)
	cancelDial()
	if err != nil {
		w.setStatus("Error finally opening port.")
		return err
	}

	if err := conn.RegisterInbound(w.handleInbound); err != nil {
		conn.Close()
		return err
	}
	if err := conn.RegisterDeliveryReports(w.handleDeliveryReport); err != nil {
		conn.Close()
		return err
	}

	pin := ""
	if w.cfg.PIN != nil {
		pin = *w.cfg.PIN
	}
	if err := conn.SetPIN(ctx, pin); err != nil {
		conn.Close()
		if errors.Is(err, atmodem.ErrIncorrectPIN) {
			w.setStatus("Error: Incorrect SIM PIN.")
			return ErrPINIncorrect
		}
		w.setStatus("Error: SIM PIN required.")
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*120*time.Second)
	err = conn.WaitForNetwork(waitCtx, 10*120*time.Second)
	cancel()
	if err != nil {
		conn.Close()
		w.setStatus("Error: Failed to connect to network.")
		return err
	}

	if err := conn.DeletePendingSMS(ctx); err != nil {
		w.logger.Printf("modem %s: failed to delete stale SMS: %v", w.Identifier(), err)
	}

	network := conn.NetworkName(ctx)

	w.mu.Lock()
	w.conn = conn
	w.currentNetwork = network
	w.status = "Ready."
	w.initCounter++
	w.lastInit = time.Now().UTC()
	w.healthState = health.OK
	w.healthMessage = ""
	w.mu.Unlock()
	return nil
}

func (w *Worker) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// portWasRenumbered probes the currently-remembered port's IMEI; if it no
// longer matches, it reports true.
func (w *Worker) portWasRenumbered(ctx context.Context) bool {
	w.mu.Lock()
	p := w.currentPort
	w.mu.Unlock()
	if p == "" {
		return true
	}
	w.setStatus("Check port renumbering.")
	if _, matched := w.checkIMEI(ctx, p); matched {
		return false
	}
	w.setStatus("Port was renumbered. Reinitializing.")
	return true
}

// findPort resolves the configured port spec to a concrete device path.
func (w *Worker) findPort(ctx context.Context) (string, error) {
	if !w.cfg.HasGlob() {
		return w.cfg.Port, nil
	}

	select {
	case <-time.After(time.Duration(rand.Intn(16)) * time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if hint, ok := w.mapper.Get(w.cfg.IMEI); ok {
		if _, matched := w.checkIMEI(ctx, hint); matched {
			return hint, nil
		}
	}

	candidates, err := filepath.Glob(w.cfg.Port)
	if err != nil {
		return "", err
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, candidate := range candidates {
		w.setStatus("Try port " + candidate + ".")
		imei, matched := w.checkIMEI(ctx, candidate)
		if matched {
			w.mapper.Set(imei, candidate)
			w.setStatus("Port " + candidate + " found.")
			return candidate, nil
		}
		if imei != "" {
			w.mapper.Set(imei, candidate) // hint for other workers probing the same glob
		}
	}
	return "", ErrPortNotFound
}

// checkIMEI opens port exclusively, resyncs the modem (&F, Z, E0, &W) and
// reads its IMEI via +CGSN, closing the connection afterwards.
func (w *Worker) checkIMEI(ctx context.Context, port string) (imei string, matched bool) {
	conn, err := atmodem.Dial(ctx, port, w.cfg.Baud, w.trace)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		conn.Command(ctx, "&F")
	}
	for i := 0; i < 3; i++ {
		conn.Command(ctx, "Z")
	}
	conn.Command(ctx, "E0")
	conn.Command(ctx, "&W")

	found, err := conn.IMEI(ctx)
	if err != nil {
		return "", false
	}
	if _, convErr := strconv.Atoi(found); convErr == nil {
		return found, found == w.cfg.IMEI
	}
	return "", false
}

// handleInbound is registered with the modem transport and fires once
// per incoming SMS.
func (w *Worker) handleInbound(in atmodem.Inbound) {
	w.mu.Lock()
	w.lastReceived = time.Now().UTC()
	tokenCleared := false
	if w.loopbackToken != "" && strings.Contains(in.Text, w.loopbackToken) {
		w.loopbackToken = ""
		tokenCleared = true
	}
	w.mu.Unlock()
	if tokenCleared {
		w.logger.Printf("modem %s: self-test loopback acknowledged", w.Identifier())
	}

	s := sms.New("", in.Sender, w.cfg.PhoneNumber, in.Text, in.Sent, false)
	s.WorkerID = w.Identifier()

	select {
	case w.inbound <- s:
	default:
		w.logger.Printf("modem %s: inbound queue full, dropping sms from %s", w.Identifier(), in.Sender)
	}
	w.events.Raise()
}

// handleDeliveryReport is registered with the modem transport and fires
// once per "+CDS" status report. It resolves the report's message
// reference back to the sms id sendJob recorded for it and flips
// inFlight true on confirmed delivery.
func (w *Worker) handleDeliveryReport(dr atmodem.DeliveryReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.pendingByMR[dr.MessageRef]
	if !ok {
		return
	}
	if dr.Final {
		delete(w.pendingByMR, dr.MessageRef)
	}
	if dr.Delivered {
		w.inFlight[id] = true
	}
}
