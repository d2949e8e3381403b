package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ini "github.com/vaughan0/go-ini"
)

// LoadModems parses the per-SIM INI file: one section per modem
// identifier. Every parsed Modem is Validate()d before being returned.
func LoadModems(path string) (map[string]*Modem, error) {
	if err := checkNotWorldReadable(path); err != nil {
		return nil, err
	}
	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Modem, len(file))
	for section, kv := range file {
		m := &Modem{Identifier: section}
		m.Enabled = getBool(kv, "enabled", true)
		m.Baud = getInt(kv, "baud", 115200)
		m.Port = kv["port"]
		if pin, ok := kv["pin"]; ok && strings.TrimSpace(pin) != "" {
			p := strings.TrimSpace(pin)
			m.PIN = &p
		}
		m.WaitForStartS = getInt(kv, "wait_for_start_s", 30)
		m.PhoneNumber = kv["phone_number"]
		if prefixes, ok := kv["prefixes"]; ok {
			for _, p := range strings.Split(prefixes, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					m.Prefixes = append(m.Prefixes, p)
				}
			}
		}
		m.CostPerSMS = getFloat(kv, "costs_per_sms", 0)
		m.HealthCheckIntervalS = getInt(kv, "health_check_interval_s", 300)
		st, err := ParseSelfTestInterval(kv["sms_self_test_interval"])
		if err != nil {
			return nil, fmt.Errorf("modem %q: %w", section, err)
		}
		m.SelfTest = st
		m.IMEI = kv["imei"]
		enc, err := ParseEncoding(kv["encoding"])
		if err != nil {
			return nil, fmt.Errorf("modem %q: %w", section, err)
		}
		m.Encoding = enc
		m.EmailAddress = kv["email_address"]
		m.USSDBalanceCode = kv["ussd_account_balance"]
		m.USSDBalanceRegex = kv["ussd_account_balance_regex"]
		m.USSDCurrency = kv["ussd_currency"]
		if v, ok := getFloatPtr(kv, "account_balance_warning"); ok {
			m.AccountBalanceWarning = v
		}
		if v, ok := getFloatPtr(kv, "account_balance_critical"); ok {
			m.AccountBalanceCritical = v
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("modem %q: %w", section, err)
		}
		out[section] = m
	}
	return out, nil
}

// Main is the parsed [server]/[api]/[mail]/[modempool]/[logging]/[seccomp]
// configuration.
type Main struct {
	Server   Server
	API      API
	Mail     Mail
	Pool     PoolConfig
	Logging  Logging
	Seccomp  Seccomp
}

type Server struct {
	Host    string
	Port    int
	Cert    string
	Key     string
	Ciphers []string
}

type API struct {
	EnableSendSMS  bool
	EnableSendUSSD bool
	// Tokens maps method name ("ping", "send_sms", ...) to its list of
	// bcrypt token hashes.
	Tokens map[string][]string
	// GetSMSTokens maps modem identifier to its get_sms token hash list,
	// one token namespace per worker.
	GetSMSTokens map[string][]string
}

type Mail struct {
	Enabled             bool
	Server              string
	Port                int
	User                string
	Password            string
	Recipient           string
	HealthCheckInterval time.Duration
}

type PoolConfig struct {
	HealthCheckInterval time.Duration
	SelfTest            SelfTestInterval
	SerialPortsHintFile string
}

type Logging struct {
	Level string
}

type Seccomp struct {
	Enabled bool
}

// LoadMain parses the main INI config file.
func LoadMain(path string) (*Main, error) {
	if err := checkNotWorldReadable(path); err != nil {
		return nil, err
	}
	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, err
	}
	main := &Main{}
	srv := file["server"]
	main.Server = Server{
		Host:    srv["host"],
		Port:    getInt(srv, "port", 7000),
		Cert:    srv["certificate"],
		Key:     srv["key"],
		Ciphers: splitCSV(srv["ciphers"]),
	}

	api := file["api"]
	main.API = API{
		EnableSendSMS:  getBool(api, "enable_send_sms", false),
		EnableSendUSSD: getBool(api, "enable_send_ussd", false),
		Tokens:         map[string][]string{},
		GetSMSTokens:   map[string][]string{},
	}
	for key, val := range api {
		switch {
		case strings.HasPrefix(key, "token_") && strings.HasSuffix(key, "_get_sms"):
			id := strings.TrimSuffix(strings.TrimPrefix(key, "token_"), "_get_sms")
			main.API.GetSMSTokens[id] = splitCSV(val)
		case strings.HasPrefix(key, "token_"):
			method := strings.TrimPrefix(key, "token_")
			main.API.Tokens[method] = splitCSV(val)
		}
	}

	mail := file["mail"]
	main.Mail = Mail{
		Enabled:             getBool(mail, "enabled", false),
		Server:              mail["server"],
		Port:                getInt(mail, "port", 465),
		User:                mail["user"],
		Password:            mail["password"],
		Recipient:           mail["recipient"],
		HealthCheckInterval: getDuration(mail, "health_check_interval", 300),
	}

	pool := file["modempool"]
	st, err := ParseSelfTestInterval(pool["sms_self_test_interval"])
	if err != nil {
		return nil, err
	}
	main.Pool = PoolConfig{
		HealthCheckInterval: getDuration(pool, "health_check_interval", 60),
		SelfTest:            st,
		SerialPortsHintFile: pool["serial_ports_hint_file"],
	}

	logging := file["logging"]
	main.Logging = Logging{Level: orDefault(logging["level"], "info")}

	seccomp := file["seccomp"]
	main.Seccomp = Seccomp{Enabled: getBool(seccomp, "enabled", false)}

	return main, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func getBool(kv map[string]string, key string, def bool) bool {
	v, ok := kv[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func getInt(kv map[string]string, key string, def int) int {
	v, ok := kv[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getFloat(kv map[string]string, key string, def float64) float64 {
	v, ok := kv[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func getFloatPtr(kv map[string]string, key string) (*float64, bool) {
	v, ok := kv[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil, false
	}
	return &f, true
}

func getDuration(kv map[string]string, key string, defSeconds int) time.Duration {
	n := getInt(kv, key, defSeconds)
	return time.Duration(n) * time.Second
}

// checkNotWorldReadable refuses to run if a config file is world-readable:
// these files carry plaintext SIM PINs and mail credentials.
func checkNotWorldReadable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode().Perm()&0o004 != 0 {
		return fmt.Errorf("%w: %s is world-readable", ErrInvalid, path)
	}
	return nil
}
