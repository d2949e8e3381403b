package modem

import (
	"context"
	"errors"
	"time"

	"github.com/kgibson/smsgate/internal/sms"
)

// Run drives the worker's state machine until ctx is cancelled or a
// fatal error (incorrect PIN) occurs.
//
// It never panics on a recoverable modem error: timeouts, closed ports
// and generic modem errors are all folded into a reinit-and-retry cycle.
// Only two exits escape the loop: normal shutdown and PIN-incorrect.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.closeConn()
			return nil
		default:
		}

		w.mu.Lock()
		hasConn := w.conn != nil
		w.mu.Unlock()

		if !hasConn {
			b := backoffFor30s()
			for {
				if err := w.init(ctx); err != nil {
					if errors.Is(err, ErrPINIncorrect) {
						return err
					}
					w.logger.Printf("modem %s: init failed: %v", w.Identifier(), err)
					w.doHealthCheck(ctx, true)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(b.Duration()):
					}
					continue
				}
				break
			}
		}

		select {
		case <-ctx.Done():
			w.closeConn()
			return nil
		case job := <-w.outbound:
			w.sendJob(ctx, job)
		case <-w.connClosed():
			w.onModemError()
		case <-time.After(60 * time.Second):
		}

		w.doHealthCheck(ctx, false)
	}
}

func (w *Worker) connClosed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	return w.conn.Closed()
}

func (w *Worker) sendJob(ctx context.Context, job *sms.SMS) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	mr, err := conn.SendSMS(ctx, job.Recipient, job.Text)
	if err != nil {
		w.logger.Printf("modem %s: send sms %s failed: %v", w.Identifier(), job.ID, err)
		w.onModemError()
		return
	}
	w.mu.Lock()
	w.pendingByMR[mr] = job.ID
	w.mu.Unlock()
}

// onModemError closes the handle and forces a health check on any modem
// exception encountered by the run loop.
func (w *Worker) onModemError() {
	w.setStatus("Timeout")
	w.closeConn()
	w.doHealthCheck(context.Background(), true)
}

func (w *Worker) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
