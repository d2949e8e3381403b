package atmodem

import (
	"testing"
	"time"

	"github.com/xlab/at/pdu"
)

func buildDeliverPDU(dcs byte, udl int, ud []byte) []byte {
	octets := []byte{0x04, 12, 0x91} // header, originating-address digit count, type-of-address
	octets = append(octets, pdu.EncodeSemi(49, 15, 11, 23, 45, 67)...)
	octets = append(octets, 0x00, dcs) // PID, DCS
	// SCTS 26-07-29 12:00:00, written out as semi-octets: pdu.EncodeSemi
	// encodes a zero chunk as a single digit, which would shorten it.
	octets = append(octets, 0x62, 0x70, 0x92, 0x21, 0x00, 0x00, 0x00)
	octets = append(octets, byte(udl))
	octets = append(octets, ud...)
	return octets
}

func TestDecodeDeliverTPDUGSM7(t *testing.T) {
	ud := pdu.Encode7Bit("Test")
	in, err := decodeDeliverTPDU(buildDeliverPDU(dcsGSM7, 4, ud))
	if err != nil {
		t.Fatalf("decodeDeliverTPDU: %v", err)
	}
	if in.Sender != "+491511234567" {
		t.Fatalf("Sender = %q, want +491511234567", in.Sender)
	}
	if in.Text != "Test" {
		t.Fatalf("Text = %q, want Test", in.Text)
	}
	want := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	if !in.Sent.Equal(want) {
		t.Fatalf("Sent = %v, want %v", in.Sent, want)
	}
}

func TestDecodeDeliverTPDUUCS2(t *testing.T) {
	ud := pdu.EncodeUcs2("Hi")
	in, err := decodeDeliverTPDU(buildDeliverPDU(dcsUCS2, len(ud), ud))
	if err != nil {
		t.Fatalf("decodeDeliverTPDU: %v", err)
	}
	if in.Text != "Hi" {
		t.Fatalf("Text = %q, want Hi", in.Text)
	}
}

func TestDecodeDeliverTPDURejectsTooShort(t *testing.T) {
	if _, err := decodeDeliverTPDU([]byte{0x04}); err == nil {
		t.Fatal("expected error for a PDU shorter than 2 octets")
	}
}

func TestDecodeSCTSRoundTrips(t *testing.T) {
	octets := pdu.EncodeSemi(26, 7, 29, 23, 59, 1, 0)
	got := decodeSCTS(octets)
	want := time.Date(2026, 7, 29, 23, 59, 1, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("decodeSCTS = %v, want %v", got, want)
	}
}
