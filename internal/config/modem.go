// Package config parses and validates the two INI configuration files the
// gateway needs: the main server/api/mail/pool config, and the per-SIM
// modem config. Parsing itself is delegated to github.com/vaughan0/go-ini;
// this package only validates shape, it does not invent a new format.
package config

import (
	"fmt"
	"strings"

	"github.com/kgibson/smsgate/internal/sms"
)

// Encoding is the SIM's SMS character encoding.
type Encoding int

const (
	EncodingGSM Encoding = iota
	EncodingUCS2
)

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GSM":
		return EncodingGSM, nil
	case "UCS2":
		return EncodingUCS2, nil
	default:
		return 0, fmt.Errorf("%w: encoding %q", ErrInvalid, s)
	}
}

func (e Encoding) String() string {
	if e == EncodingUCS2 {
		return "UCS2"
	}
	return "GSM"
}

// SelfTestInterval is how often the worker runs its self-SMS loopback
// health check.
type SelfTestInterval int

const (
	SelfTestDaily SelfTestInterval = iota
	SelfTestWeekly
	SelfTestMonthly
)

func ParseSelfTestInterval(s string) (SelfTestInterval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "daily":
		return SelfTestDaily, nil
	case "weekly":
		return SelfTestWeekly, nil
	case "monthly":
		return SelfTestMonthly, nil
	default:
		return 0, fmt.Errorf("%w: sms_self_test_interval %q", ErrInvalid, s)
	}
}

func (i SelfTestInterval) String() string {
	switch i {
	case SelfTestWeekly:
		return "weekly"
	case SelfTestMonthly:
		return "monthly"
	default:
		return "daily"
	}
}

// ErrInvalid is the sentinel wrapped by every Modem.Validate failure.
var ErrInvalid = fmt.Errorf("invalid modem config")

// Modem is a validated per-SIM configuration record.
type Modem struct {
	Identifier string
	Enabled    bool
	Baud       int
	// Port is the device path; a trailing '*' denotes a glob that must
	// be resolved against IMEI at runtime.
	Port string
	// PIN is nil when the SIM has no PIN configured.
	PIN                  *string
	WaitForStartS        int
	PhoneNumber          string
	Prefixes             []string
	CostPerSMS           float64
	HealthCheckIntervalS int
	SelfTest             SelfTestInterval
	// IMEI is required when Port contains a glob.
	IMEI     string
	Encoding Encoding

	EmailAddress    string
	USSDBalanceCode string
	// USSDBalanceRegex must have exactly one capture group: the decimal
	// balance, using either '.' or ',' as the fraction separator.
	USSDBalanceRegex       string
	USSDCurrency           string
	AccountBalanceWarning  *float64
	AccountBalanceCritical *float64
}

// HasGlob reports whether Port needs runtime resolution.
func (m *Modem) HasGlob() bool {
	return strings.Contains(m.Port, "*")
}

// Validate rejects configs whose shape makes them unusable (missing
// required fields, negative costs, inconsistent thresholds, and so on).
// It returns the first violation found.
func (m *Modem) Validate() error {
	if strings.TrimSpace(m.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalid)
	}
	if m.Baud <= 0 {
		return fmt.Errorf("%w: baud must be positive", ErrInvalid)
	}
	if strings.TrimSpace(m.Port) == "" {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if m.HasGlob() && strings.TrimSpace(m.IMEI) == "" {
		return fmt.Errorf("%w: imei is required when port is a glob (%q)", ErrInvalid, m.Port)
	}
	if m.PIN != nil {
		for _, r := range *m.PIN {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: pin must be numeric", ErrInvalid)
			}
		}
	}
	norm := sms.NormalizePhone(m.PhoneNumber)
	if !sms.ValidPhone(norm) {
		return fmt.Errorf("%w: phone_number %q is not E.123", ErrInvalid, m.PhoneNumber)
	}
	m.PhoneNumber = norm
	if len(m.Prefixes) == 0 {
		return fmt.Errorf("%w: at least one prefix is required", ErrInvalid)
	}
	for i, p := range m.Prefixes {
		np := sms.NormalizePhone(p)
		if np == "" || np[0] != '+' {
			return fmt.Errorf("%w: prefix %q is not E.123", ErrInvalid, p)
		}
		m.Prefixes[i] = np
	}
	if m.CostPerSMS < 0 {
		return fmt.Errorf("%w: costs_per_sms must be non-negative", ErrInvalid)
	}
	if m.HealthCheckIntervalS <= 0 {
		return fmt.Errorf("%w: health_check_interval_s must be positive", ErrInvalid)
	}
	if m.AccountBalanceWarning != nil && m.AccountBalanceCritical != nil {
		if *m.AccountBalanceWarning < *m.AccountBalanceCritical {
			return fmt.Errorf("%w: account_balance_warning must be >= account_balance_critical", ErrInvalid)
		}
	}
	return nil
}
