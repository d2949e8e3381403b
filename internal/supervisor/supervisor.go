// Package supervisor implements the Supervisor component: it wires the
// SerialPortMapper, ModemPool, every ModemWorker and the SmtpRelay
// together, then runs the event loop that drains inbound SMS into the
// mail pipeline and drives outbound delivery and health checks.
//
// Wiring order (config -> store -> workers -> server) and the
// context.WithCancel shutdown idiom follow the usual pattern for this
// kind of process, generalized from a single goroutine-per-modem
// fire-and-forget into a supervised event loop that owns the shared
// eventsignal.Signal.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/eventsignal"
	"github.com/kgibson/smsgate/internal/modem"
	"github.com/kgibson/smsgate/internal/pool"
	"github.com/kgibson/smsgate/internal/portmap"
	"github.com/kgibson/smsgate/internal/router"
	"github.com/kgibson/smsgate/internal/rpc"
	"github.com/kgibson/smsgate/internal/sms"
	"github.com/kgibson/smsgate/internal/smtp"
)

// maxModemConstructAttempts is the per-SIM attempt budget for worker
// construction. newWorkerWithRetry does not loop on it: modem.New only
// allocates and cannot fail, so each worker is constructed once.
const maxModemConstructAttempts = 3

// mailer is the subset of *smtp.Relay the supervisor's event loop
// depends on, narrow enough to fake in tests without a real SMTP dial.
type mailer interface {
	Enqueue(to string, s *sms.SMS)
	RunDeliveryLoop(stop <-chan struct{})
}

// Supervisor owns every long-lived goroutine in the process and the
// shared event signal that the workers and the pool raise to wake its
// event loop.
type Supervisor struct {
	cfg    *config.Main
	logger *log.Logger

	Mapper  *portmap.Mapper
	Pool    *pool.Pool
	Mail    mailer
	RPC     *rpc.Endpoint
	workers []*modem.Worker
	events  *eventsignal.Signal
}

// New constructs every component in order: SmtpRelay, then pool, then
// per-SIM workers (one construction each), then the RPC endpoint.
// It does not start any goroutine; call Run for that.
func New(main *config.Main, modems map[string]*config.Modem, logger *log.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = log.Default()
	}

	mapper, err := portmap.New(main.Pool.SerialPortsHintFile)
	if err != nil {
		return nil, fmt.Errorf("supervisor: serial port mapper: %w", err)
	}

	events := eventsignal.New()
	mail := smtp.New(main.Mail, logger)
	r := router.New()
	p := pool.New(r, events, main.Pool.HealthCheckInterval, logger)

	s := &Supervisor{
		cfg:    main,
		logger: logger,
		Mapper: mapper,
		Pool:   p,
		Mail:   mail,
		events: events,
	}

	for identifier, mc := range modems {
		if !mc.Enabled {
			logger.Printf("supervisor: modem %s disabled, skipping", identifier)
			continue
		}
		w, err := s.newWorkerWithRetry(mc, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: modem %s: %w", identifier, err)
		}
		s.workers = append(s.workers, w)
		p.AddModem(w)
	}

	identifiers := make([]string, 0, len(s.workers))
	for _, w := range s.workers {
		identifiers = append(identifiers, w.Identifier())
	}
	s.RPC = rpc.New(rpc.Config{
		Host:             main.Server.Host,
		Port:             main.Server.Port,
		Cert:             main.Server.Cert,
		Key:              main.Server.Key,
		Ciphers:          main.Server.Ciphers,
		EnableSendSMS:    main.API.EnableSendSMS,
		EnableSendUSSD:   main.API.EnableSendUSSD,
		Tokens:           main.API.Tokens,
		GetSMSTokens:     main.API.GetSMSTokens,
		ModemIdentifiers: identifiers,
	}, p, mail, logger)

	return s, nil
}

// newWorkerWithRetry constructs a *modem.Worker for mc in a single
// attempt. modem.New only allocates and cannot fail, so no retry is
// made; modem failures surface later, in the worker's own init loop
// inside Run.
func (s *Supervisor) newWorkerWithRetry(mc *config.Modem, logger *log.Logger) (*modem.Worker, error) {
	return modem.New(mc, s.Mapper, s.events, logger, nil), nil
}

// Run starts every background goroutine (mapper flusher, per-worker run
// loops, SMTP delivery loop, RPC listener) and then blocks in the
// supervisor's own event loop until ctx is cancelled. A worker
// surfacing modem.ErrPINIncorrect terminates Run entirely: PIN-incorrect
// is the single fatal condition that terminates the process.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Mapper.RunFlusher(ctx, 60*time.Second)
	}()

	if s.cfg.Mail.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stop)
			}()
			s.Mail.RunDeliveryLoop(stop)
		}()
	}

	for _, w := range s.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				select {
				case errCh <- fmt.Errorf("modem %s: %w", w.Identifier(), err):
				default:
				}
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.RPC.Run(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("rpc: %w", err):
			default:
			}
			cancel()
		}
	}()

	s.eventLoop(ctx)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// eventLoop is the Supervisor's own thread: it waits on the shared
// event signal with a timeout of the pool's health-check interval. On
// wake it drains inbound SMS (pushing each into the mail queue when
// mail is enabled) and drives process_outgoing; on timeout it runs the
// pool's health check.
func (s *Supervisor) eventLoop(ctx context.Context) {
	interval := s.cfg.Pool.HealthCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.events.C():
			s.drainInbound()
			s.Pool.ProcessOutgoing()
		case <-time.After(interval):
			s.Pool.DoHealthCheck()
		}
	}
}

// drainInbound pops every pending inbound SMS across every worker and,
// when mail is enabled, enqueues each for email delivery.
func (s *Supervisor) drainInbound() {
	for {
		m, ok := s.Pool.GetInbound()
		if !ok {
			return
		}
		if !s.cfg.Mail.Enabled {
			continue
		}
		to := s.cfg.Mail.Recipient
		if m.WorkerID != "" {
			if addr, ok := s.Pool.EmailAddressFor(m.WorkerID); ok && addr != "" {
				to = addr
			}
		}
		if to == "" {
			s.logger.Printf("supervisor: no mail recipient for sms %s, dropping", m.ID)
			continue
		}
		s.Mail.Enqueue(to, m)
	}
}
