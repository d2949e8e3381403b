package atmodem

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DeliveryReport is a decoded SMS-STATUS-REPORT TPDU: the message
// reference it corresponds to (the same decimal string SendSMS
// returns) and whether the network reported final successful delivery.
type DeliveryReport struct {
	MessageRef string
	Delivered  bool
	Final      bool
}

// RegisterDeliveryReports subscribes to "+CDS" unsolicited indications
// (one trailing line: the status-report PDU hex string) and decodes
// each into a DeliveryReport, invoking handler from a dedicated
// goroutine for the lifetime of the Modem. Mirrors RegisterInbound's
// "+CMT" subscription, one indication prefix per report kind.
func (m *Modem) RegisterDeliveryReports(handler func(DeliveryReport)) error {
	ch, err := m.AddIndication("+CDS", 1)
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
			dr, err := decodeStatusReportTPDU(octets)
			if err != nil {
				continue
			}
			handler(dr)
		}
	}()
	return nil
}

// decodeStatusReportTPDU re-derives the SMS-STATUS-REPORT TPDU layout
// documented by xlab/at/sms/sms_status_report.go (3GPP TS 23.040
// §9.2.2.3), the same "re-derive since unexported" treatment already
// used for SMS-DELIVER in decodeDeliverTPDU.
//
// Layout: 1 octet header | 1 octet TP-MR | recipient address
// (length-prefixed, semi-octet BCD) | 7 octets SCTS | 7 octets
// discharge time | 1 octet TP-ST.
func decodeStatusReportTPDU(octets []byte) (DeliveryReport, error) {
	if len(octets) < 2 {
		return DeliveryReport{}, fmt.Errorf("sms status report PDU too short")
	}
	mr := octets[1]
	off := 2

	if off >= len(octets) {
		return DeliveryReport{}, fmt.Errorf("sms status report PDU: missing recipient address")
	}
	daLen := int(octets[off])
	addrOctets := 2 + (daLen+1)/2 // length octet + type-of-address octet + semi-octet digits
	if off+addrOctets > len(octets) {
		return DeliveryReport{}, fmt.Errorf("sms status report PDU: truncated recipient address")
	}
	off += addrOctets

	if off+7+7+1 > len(octets) {
		return DeliveryReport{}, fmt.Errorf("sms status report PDU: truncated timestamps/status")
	}
	off += 7 // service centre timestamp, unused downstream
	off += 7 // discharge timestamp, unused downstream
	status := octets[off]

	// 3GPP TS 23.040 §9.2.3.15: 0x00-0x1F = transaction completed
	// (final); 0x20-0x3F = temporary error, SC still trying (not final);
	// bit 6 set (0x40-0x7F) = permanent error or SC gave up (final).
	final := status < 0x20 || status&0x40 != 0
	return DeliveryReport{
		MessageRef: strconv.Itoa(int(mr)),
		Delivered:  status == 0x00,
		Final:      final,
	}, nil
}
