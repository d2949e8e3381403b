package atmodem

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/xlab/at/pdu"
)

// gsm7EuroEscape is the GSM 7-bit Basic Character Set Extension escape
// sequence for the Euro sign, as observed in the field when a USSD
// response round-trips through a modem configured for UCS2.
const gsm7EuroEscape = "\x1b\x65"

// SendUSSDUCS2 hex-encodes code as UTF-16BE, sends it with a 30s response
// window by the caller's context, and hex-decodes the reply as UTF-16BE,
// replacing the GSM7 Euro escape with the literal '€'.
func (m *Modem) SendUSSDUCS2(ctx context.Context, code string) (string, error) {
	payload := strings.ToUpper(hex.EncodeToString(pdu.EncodeUcs2(code)))
	resp, err := m.SendUSSDRaw(ctx, payload, 15)
	if err != nil {
		return "", err
	}
	octets, err := hex.DecodeString(resp)
	if err != nil {
		return "", err
	}
	text, err := pdu.DecodeUcs2(octets, false)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(text, gsm7EuroEscape, "€"), nil
}

// SendUSSDPlain sends code verbatim (no UCS2 transform) with a 30s
// response window and returns the reply as-is.
func (m *Modem) SendUSSDPlain(ctx context.Context, code string) (string, error) {
	return m.SendUSSDRaw(ctx, code, 15)
}
