package atmodem

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/xlab/at/pdu"
)

// Inbound is a decoded incoming SMS-DELIVER TPDU: just enough fields for
// the worker to construct an sms.SMS.
type Inbound struct {
	Sender string
	Text   string
	Sent   time.Time
}

// dcs values this module understands (3GPP TS 23.038 §4).
const (
	dcsGSM7 = 0x00
	dcsUCS2 = 0x08
)

// RegisterInbound subscribes to "+CMT" unsolicited indications (one
// trailing line: the PDU hex string) and decodes each into an Inbound,
// invoking handler from a dedicated goroutine for the lifetime of the
// Modem. It returns once the subscription is registered; handler keeps
// running until the modem closes.
func (m *Modem) RegisterInbound(handler func(Inbound)) error {
	ch, err := m.AddIndication("+CMT", 1)
	if err != nil {
		return err
	}
	go func() {
		for lines := range ch {
			if len(lines) < 2 {
				continue
			}
			octets, err := hex.DecodeString(strings.TrimSpace(lines[1]))
			if err != nil {
				continue
			}
			in, err := decodeDeliverTPDU(octets)
			if err != nil {
				continue
			}
			handler(in)
		}
	}()
	return nil
}

// decodeDeliverTPDU re-derives the SMS-DELIVER TPDU layout documented by
// xlab/at/sms/sms_deliver.go (3GPP TS 23.040 §9.2.2.1) as exported
// primitives from github.com/xlab/at/pdu, rather than re-exporting that
// package's unexported smsDeliver type.
//
// Layout: 1 octet header | originating address (length-prefixed,
// semi-octet BCD) | 1 octet PID | 1 octet DCS | 7 octets SCTS | 1 octet
// UDL | UD.
func decodeDeliverTPDU(octets []byte) (Inbound, error) {
	if len(octets) < 2 {
		return Inbound{}, fmt.Errorf("sms PDU too short")
	}
	off := 1 // skip header octet; MTI/MMS/flags are not needed downstream
	oaLen := int(octets[off])
	addrOctets := 2 + (oaLen+1)/2 // length octet + type-of-address octet + semi-octet digits
	if off+addrOctets > len(octets) {
		return Inbound{}, fmt.Errorf("sms PDU: truncated originating address")
	}
	sender := pdu.DecodeSemiAddress(octets[off+2 : off+addrOctets])
	off += addrOctets

	if off+2 > len(octets) {
		return Inbound{}, fmt.Errorf("sms PDU: truncated PID/DCS")
	}
	// pid := octets[off] // protocol identifier, unused
	dcs := octets[off+1]
	off += 2

	if off+7 > len(octets) {
		return Inbound{}, fmt.Errorf("sms PDU: truncated SCTS")
	}
	sent := decodeSCTS(octets[off : off+7])
	off += 7

	if off >= len(octets) {
		return Inbound{}, fmt.Errorf("sms PDU: missing UDL")
	}
	udl := int(octets[off])
	off++
	ud := octets[off:]

	var text string
	var err error
	switch dcs & 0x0C {
	case dcsUCS2:
		text, err = pdu.DecodeUcs2(ud, false)
	default:
		text, err = pdu.Decode7Bit(ud[:min(len(ud), (udl*7+7)/8)])
	}
	if err != nil {
		return Inbound{}, err
	}
	return Inbound{Sender: "+" + sender, Text: text, Sent: sent}, nil
}

// decodeSCTS decodes the 7-octet semi-octet service-centre timestamp.
func decodeSCTS(octets []byte) time.Time {
	v := pdu.DecodeSemi(octets[:6])
	if len(v) < 6 {
		return time.Now().UTC()
	}
	year, month, day, hour, minute, second := v[0], v[1], v[2], v[3], v[4], v[5]
	return time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
