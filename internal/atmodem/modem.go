// Package atmodem is the thin AT-command transport the worker drives. It
// layers github.com/warthog618/modem/{at,gsm,serial,trace} for the
// command/response plumbing and github.com/warthog618/sms/{encoding/tpdu,
// ms/message,ms/sar} for outbound SMS PDU encoding over
// github.com/xlab/at/pdu for the octet-level codecs neither of those
// cover: UCS2 USSD round-tripping and inbound PDU address/user-data
// decoding.
package atmodem

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/modem/at"
	"github.com/warthog618/modem/gsm"
	"github.com/warthog618/modem/info"
	"github.com/warthog618/modem/serial"
	"github.com/warthog618/modem/trace"
	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/ms/message"
	"github.com/warthog618/sms/ms/sar"
)

// Errors a ModemWorker must distinguish and react to differently.
var (
	ErrPINRequired   = errors.New("SIM PIN required")
	ErrIncorrectPIN  = errors.New("incorrect SIM PIN")
	ErrNoNetwork     = errors.New("no network coverage")
	ErrMalformedInfo = errors.New("malformed AT response")
)

// Modem is one open serial connection to a GSM modem, in PDU mode.
type Modem struct {
	port   io.ReadWriteCloser
	gsm    *gsm.GSM
	enc    *message.Encoder
	closed bool
}

// Dial opens the serial port (optionally trace-logged) and performs the
// bare AT+GSM init; the caller still owns PIN unlock, network wait and
// registering an inbound callback.
func Dial(ctx context.Context, comPort string, baud int, traceLog *log.Logger) (*Modem, error) {
	p, err := serial.New(comPort, baud)
	if err != nil {
		return nil, errors.Wrap(err, "open serial port")
	}
	var rw io.ReadWriter = p
	if traceLog != nil {
		rw = trace.New(p, traceLog)
	}
	g := gsm.New(rw)
	g.SetPDUMode()
	if err := g.Init(ctx); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "init modem")
	}
	ude, err := tpdu.NewUDEncoder()
	if err != nil {
		p.Close()
		return nil, err
	}
	ude.AddAllCharsets()
	return &Modem{
		port: p,
		gsm:  g,
		enc:  message.NewEncoder(ude, sar.NewSegmenter()),
	}, nil
}

// Close releases the serial port. Safe to call more than once.
func (m *Modem) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.port.Close()
}

// Closed reports when the underlying AT layer detects the link broke
// (read returned EOF) — the signal the worker's run loop selects on.
func (m *Modem) Closed() <-chan struct{} {
	return m.gsm.Closed()
}

// Command issues a raw AT command ("+CSQ", not "AT+CSQ") and returns the
// info lines preceding the final OK/ERROR.
func (m *Modem) Command(ctx context.Context, cmd string) ([]string, error) {
	return m.gsm.Command(ctx, cmd)
}

// AddIndication registers an unsolicited-result-code handler, used for
// inbound SMS ("+CMT") notifications in PDU mode.
func (m *Modem) AddIndication(prefix string, trailingLines int) (<-chan []string, error) {
	return m.gsm.AddIndication(prefix, trailingLines)
}

// SetPIN unlocks the SIM. ErrPINRequired means the caller passed no PIN
// but one is needed; ErrIncorrectPIN is fatal and must never be retried
// with the same PIN, to avoid tripping the SIM's lockout counter.
func (m *Modem) SetPIN(ctx context.Context, pin string) error {
	lines, err := m.Command(ctx, "+CPIN?")
	if err != nil {
		return err
	}
	status := ""
	for _, l := range lines {
		if info.HasPrefix(l, "+CPIN") {
			status = strings.TrimSpace(info.TrimPrefix(l, "+CPIN"))
		}
	}
	if status == "READY" {
		return nil
	}
	if status != "SIM PIN" {
		return errors.Wrapf(ErrMalformedInfo, "unexpected +CPIN status %q", status)
	}
	if pin == "" {
		return ErrPINRequired
	}
	if _, err := m.Command(ctx, fmt.Sprintf(`+CPIN="%s"`, pin)); err != nil {
		if isCMEOrCMS(err) {
			return ErrIncorrectPIN
		}
		return err
	}
	return nil
}

// WaitForNetwork polls +CREG? until the modem reports registered (home
// or roaming), up to timeout. Returns ErrNoNetwork on timeout.
func (m *Modem) WaitForNetwork(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		lines, err := m.Command(ctx, "+CREG?")
		if err == nil {
			for _, l := range lines {
				if info.HasPrefix(l, "+CREG") {
					fields := strings.Split(info.TrimPrefix(l, "+CREG"), ",")
					if len(fields) >= 2 {
						stat := strings.TrimSpace(fields[1])
						if stat == "1" || stat == "5" {
							return nil
						}
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return ErrNoNetwork
}

// Manufacturer returns the "+CGMI" response, or "" if unreadable.
func (m *Modem) Manufacturer(ctx context.Context) string {
	return m.firstInfoLine(ctx, "+CGMI")
}

// IMSI returns the "+CIMI" response, or "" if unreadable.
func (m *Modem) IMSI(ctx context.Context) string {
	return m.firstInfoLine(ctx, "+CIMI")
}

// SMSC returns the configured SMS service centre address ("+CSCA?").
func (m *Modem) SMSC(ctx context.Context) string {
	lines, err := m.Command(ctx, "+CSCA?")
	if err != nil {
		return ""
	}
	for _, l := range lines {
		if info.HasPrefix(l, "+CSCA") {
			return strings.Trim(info.TrimPrefix(l, "+CSCA"), `"`)
		}
	}
	return ""
}

// NetworkName returns the current operator name ("+COPS?"), or "" when
// the modem is not registered or the response is unparseable.
func (m *Modem) NetworkName(ctx context.Context) string {
	lines, err := m.Command(ctx, "+COPS?")
	if err != nil {
		return ""
	}
	for _, l := range lines {
		if info.HasPrefix(l, "+COPS") {
			fields := strings.Split(info.TrimPrefix(l, "+COPS"), ",")
			if len(fields) >= 3 {
				return strings.TrimSpace(strings.Trim(strings.TrimSpace(fields[2]), `"`))
			}
		}
	}
	return ""
}

// IMEI issues "+CGSN" and returns the raw numeric IMEI.
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	lines, err := m.Command(ctx, "+CGSN")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, err := strconv.Atoi(l); err == nil {
			return l, nil
		}
	}
	return "", errors.Wrap(ErrMalformedInfo, "+CGSN")
}

// SignalStrength issues "+CSQ" and returns the RSSI (0..31, or 99 if
// unknown). Returns -1 if the command fails or the response is
// unparseable, which the health check treats as a WARNING.
func (m *Modem) SignalStrength(ctx context.Context) int {
	lines, err := m.Command(ctx, "+CSQ")
	if err != nil {
		return -1
	}
	for _, l := range lines {
		if info.HasPrefix(l, "+CSQ") {
			fields := strings.Split(info.TrimPrefix(l, "+CSQ"), ",")
			if len(fields) >= 1 {
				n, err := strconv.Atoi(strings.TrimSpace(fields[0]))
				if err == nil {
					return n
				}
			}
		}
	}
	return -1
}

// DeletePendingSMS deletes read/sent SMS stored on the SIM ("AT+CMGD=,2").
func (m *Modem) DeletePendingSMS(ctx context.Context) error {
	_, err := m.Command(ctx, "+CMGD=,2")
	return err
}

// srrBit is the TP-SRR flag in the first TPDU octet of an SMS-SUBMIT
// (3GPP TS 23.040 §9.2.3.1): setting it asks the network to return a
// "+CDS" delivery status report for this segment's message reference.
const srrBit = 0x20

// SendSMS PDU-encodes and sends text to number, segmenting as required,
// requesting a delivery status report for every segment; returns the
// message reference of the last segment sent.
func (m *Modem) SendSMS(ctx context.Context, number, text string) (string, error) {
	pdus, err := m.enc.Encode(number, text)
	if err != nil {
		return "", err
	}
	var mr string
	for _, p := range pdus {
		tp, err := p.MarshalBinary()
		if err != nil {
			return "", err
		}
		if len(tp) > 0 {
			tp[0] |= srrBit
		}
		mr, err = m.gsm.SendSMSPDU(ctx, tp)
		if err != nil {
			return "", err
		}
	}
	return mr, nil
}

// SendUSSDRaw issues "+CUSD=1,<payload>,<dcs>" and returns the raw
// "+CUSD" response payload (still encoded per dcs).
func (m *Modem) SendUSSDRaw(ctx context.Context, payload string, dcs int) (string, error) {
	cmd := fmt.Sprintf(`+CUSD=1,"%s",%d`, payload, dcs)
	lines, err := m.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if info.HasPrefix(l, "+CUSD") {
			fields := strings.SplitN(info.TrimPrefix(l, "+CUSD"), ",", 3)
			if len(fields) >= 2 {
				return strings.Trim(strings.TrimSpace(fields[1]), `"`), nil
			}
		}
	}
	return "", errors.Wrap(ErrMalformedInfo, "+CUSD")
}

func (m *Modem) firstInfoLine(ctx context.Context, cmd string) string {
	lines, err := m.Command(ctx, cmd)
	if err != nil {
		return ""
	}
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			return l
		}
	}
	return ""
}

func isCMEOrCMS(err error) bool {
	var cme at.CMEError
	var cms at.CMSError
	return stderrors.As(err, &cme) || stderrors.As(err, &cms)
}
