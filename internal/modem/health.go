package modem

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kgibson/smsgate/internal/atmodem"
	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/sms"
)

// doHealthCheck recomputes health when it is due: never run before,
// forced, last result non-OK, or the check interval elapsed.
func (w *Worker) doHealthCheck(ctx context.Context, force bool) {
	w.mu.Lock()
	due := force || w.lastHealthCheck.IsZero() || w.healthState != health.OK ||
		time.Since(w.lastHealthCheck) >= time.Duration(w.cfg.HealthCheckIntervalS)*time.Second
	w.mu.Unlock()
	if !due {
		return
	}
	level, msg := w.reallyDoHealthCheck(ctx)
	w.mu.Lock()
	w.lastHealthCheck = time.Now().UTC()
	w.healthState = level
	w.healthMessage = msg
	if level == health.OK {
		w.status = "Ready."
	}
	w.mu.Unlock()
}

// reallyDoHealthCheck runs the ordered checks and returns the level and
// message for the first one that fails; an all-clear run returns OK.
func (w *Worker) reallyDoHealthCheck(ctx context.Context) (health.Level, string) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		if w.cfg.Enabled {
			return health.Critical, w.Identifier() + " no modem object."
		}
		return health.Warning, w.Identifier() + " no modem object."
	}

	if conn.Manufacturer(ctx) == "" {
		return health.Critical, w.Identifier() + " failed to communicate with modem to detect manufacturer."
	}
	if conn.IMSI(ctx) == "" {
		return health.Critical, w.Identifier() + " there is no IMSI."
	}
	if conn.SMSC(ctx) == "" {
		return health.Critical, w.Identifier() + " no SMSC set."
	}

	signal := conn.SignalStrength(ctx)
	w.mu.Lock()
	w.currentSignal = signal
	w.mu.Unlock()
	switch {
	case signal == -1:
		return health.Warning, w.Identifier() + " unknown signal strength."
	case signal <= 1:
		return health.Critical, w.Identifier() + " weak signal strength."
	case signal <= 5:
		return health.Warning, w.Identifier() + " weak signal strength."
	}

	if w.cfg.USSDBalanceCode != "" && w.cfg.USSDBalanceRegex != "" {
		if w.requestOnlineBalance(ctx) {
			if level, msg := w.checkBalanceThresholds(); level != health.OK {
				return level, msg
			}
		}
	}

	if level, msg, ok := w.runSelfTest(ctx); ok {
		return level, msg
	}

	return health.OK, ""
}

// checkBalanceThresholds compares the last known balance to the
// configured warning/critical thresholds.
func (w *Worker) checkBalanceThresholds() (health.Level, string) {
	w.mu.Lock()
	bal := w.balance
	w.mu.Unlock()
	if bal == nil {
		return health.OK, ""
	}
	if w.cfg.AccountBalanceCritical != nil && *bal < *w.cfg.AccountBalanceCritical {
		return health.Critical, w.Identifier() + " account balance critically low."
	}
	if w.cfg.AccountBalanceWarning != nil && *bal < *w.cfg.AccountBalanceWarning {
		return health.Warning, w.Identifier() + " account balance low."
	}
	return health.OK, ""
}

// requestOnlineBalance sends the configured USSD balance code, extracts
// the balance with the configured regex, and stores it on success. A
// missing or failed regex match leaves the last known balance intact
// rather than failing the health check outright.
func (w *Worker) requestOnlineBalance(ctx context.Context) bool {
	resp, err := w.sendUSSD(ctx, w.cfg.USSDBalanceCode)
	if err != nil {
		return false
	}
	re, err := regexp.Compile(w.cfg.USSDBalanceRegex)
	if err != nil {
		return false
	}
	m := re.FindStringSubmatch(resp)
	if len(m) < 2 {
		return false
	}
	normalized := strings.Replace(m[1], ",", ".", 1)
	val, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return false
	}
	w.mu.Lock()
	w.balance = &val
	w.mu.Unlock()
	return true
}

// runSelfTest implements the self-SMS loopback schedule. ok is false
// when the self-test day doesn't match today (no verdict to contribute
// to the health check).
func (w *Worker) runSelfTest(ctx context.Context) (health.Level, string, bool) {
	now := time.Now().UTC()
	if !selfTestDayMatches(w.cfg.SelfTest, now) {
		return health.OK, "", false
	}

	interval := time.Duration(w.cfg.HealthCheckIntervalS) * time.Second
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sinceMidnight := now.Sub(midnight)

	w.mu.Lock()
	tokenOutstanding := w.loopbackToken != ""
	w.mu.Unlock()

	switch {
	case sinceMidnight <= interval:
		w.sendTestSMS()
		return health.OK, "", false
	case tokenOutstanding && sinceMidnight <= 2*interval:
		w.sendTestSMS()
		return health.OK, "", false
	case tokenOutstanding:
		return health.Warning, w.Identifier() + " failed to send test SMS to oneself.", true
	}
	return health.OK, "", false
}

// selfTestDayMatches uses time.Weekday's stdlib enum directly
// (Sunday=0..Saturday=6); "weekly" fires on time.Monday.
func selfTestDayMatches(interval config.SelfTestInterval, now time.Time) bool {
	switch interval {
	case config.SelfTestMonthly:
		return now.Day() == 1
	case config.SelfTestWeekly:
		return now.Weekday() == time.Monday
	default:
		return true
	}
}

// sendTestSMS generates a fresh loopback token and enqueues a self-to-
// self SMS carrying it.
func (w *Worker) sendTestSMS() {
	token := sms.NewLoopbackToken()
	w.mu.Lock()
	w.loopbackToken = token
	w.mu.Unlock()
	s := sms.New("", w.cfg.PhoneNumber, w.cfg.PhoneNumber, token, time.Now(), false)
	w.EnqueueOutbound(s)
}

// SendUSSD sends a USSD code synchronously and returns the decoded
// response.
func (w *Worker) SendUSSD(ctx context.Context, code string) (string, bool) {
	resp, err := w.sendUSSD(ctx, code)
	if err != nil {
		w.logger.Printf("modem %s: ussd %q failed: %v", w.Identifier(), code, err)
		return "", false
	}
	return resp, true
}

func (w *Worker) sendUSSD(ctx context.Context, code string) (string, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return "", atmodem.ErrNoNetwork
	}
	uctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if w.cfg.Encoding == config.EncodingUCS2 {
		return conn.SendUSSDUCS2(uctx, code)
	}
	return conn.SendUSSDPlain(uctx, code)
}
