package modem

import (
	"testing"
	"time"

	"github.com/kgibson/smsgate/internal/atmodem"
	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/eventsignal"
	"github.com/kgibson/smsgate/internal/sms"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := &config.Modem{
		Identifier:  "sim-a",
		Port:        "/dev/ttyUSB0",
		Baud:        115200,
		PhoneNumber: "+4915112345678",
		Prefixes:    []string{"+49"},
		CostPerSMS:  0.1,
	}
	return New(cfg, nil, eventsignal.New(), nil, nil)
}

func TestEnqueueOutboundMarksInFlightAndRaisesEvent(t *testing.T) {
	w := testWorker(t)
	s := sms.New("", "+4915112345678", "+4915187654321", "hi", time.Now(), false)

	w.EnqueueOutbound(s)

	if w.DeliveryStatus(s.ID) {
		t.Fatal("sms should not be delivered immediately after enqueue")
	}
	select {
	case <-w.events.C():
	default:
		t.Fatal("expected EnqueueOutbound to raise the shared event signal")
	}
	select {
	case got := <-w.outbound:
		if got.ID != s.ID {
			t.Fatalf("outbound channel got %q, want %q", got.ID, s.ID)
		}
	default:
		t.Fatal("expected sms on outbound channel")
	}
}

func TestEnqueueOutboundDropsWhenQueueFull(t *testing.T) {
	w := testWorker(t)
	for i := 0; i < cap(w.outbound); i++ {
		w.EnqueueOutbound(sms.New("", "+4915112345678", "+4915187654321", "hi", time.Now(), false))
	}
	overflow := sms.New("", "+4915112345678", "+4915187654321", "overflow", time.Now(), false)
	w.EnqueueOutbound(overflow)

	if w.DeliveryStatus(overflow.ID) {
		t.Fatal("dropped sms should not be marked in-flight as delivered")
	}
}

func TestDeliveryStatusUnknownIDIsFalse(t *testing.T) {
	w := testWorker(t)
	if w.DeliveryStatus("never-enqueued") {
		t.Fatal("unknown id should report undelivered, not delivered")
	}
}

func TestForgetOnlyRemovesDeliveredEntries(t *testing.T) {
	w := testWorker(t)
	s := sms.New("", "+4915112345678", "+4915187654321", "hi", time.Now(), false)
	w.EnqueueOutbound(s)

	if w.Forget(s.ID) {
		t.Fatal("Forget should report false while still in-flight and undelivered")
	}

	// Simulate sendJob recording the message reference it got back from
	// the modem, then the unsolicited "+CDS" report arriving for it.
	w.mu.Lock()
	w.pendingByMR["17"] = s.ID
	w.mu.Unlock()
	w.handleDeliveryReport(atmodem.DeliveryReport{MessageRef: "17", Delivered: true, Final: true})

	if !w.Forget(s.ID) {
		t.Fatal("Forget should report true once delivered")
	}
	if w.DeliveryStatus(s.ID) {
		t.Fatal("id should be gone from in-flight set after Forget")
	}
}

func TestDeliveryReportNonFinalLeavesMappingPending(t *testing.T) {
	w := testWorker(t)
	s := sms.New("", "+4915112345678", "+4915187654321", "hi", time.Now(), false)
	w.EnqueueOutbound(s)

	w.mu.Lock()
	w.pendingByMR["9"] = s.ID
	w.mu.Unlock()

	w.handleDeliveryReport(atmodem.DeliveryReport{MessageRef: "9", Delivered: false, Final: false})
	if w.DeliveryStatus(s.ID) {
		t.Fatal("non-final report should not mark the sms delivered")
	}

	w.handleDeliveryReport(atmodem.DeliveryReport{MessageRef: "9", Delivered: true, Final: true})
	if !w.DeliveryStatus(s.ID) {
		t.Fatal("final delivered report should mark the sms delivered")
	}
}

func TestPollInboundDrainsFIFO(t *testing.T) {
	w := testWorker(t)
	if _, ok := w.PollInbound(); ok {
		t.Fatal("expected no inbound sms on a fresh worker")
	}

	first := sms.New("", "+4915187654321", "+4915112345678", "one", time.Now(), false)
	second := sms.New("", "+4915187654321", "+4915112345678", "two", time.Now(), false)
	w.inbound <- first
	w.inbound <- second

	got, ok := w.PollInbound()
	if !ok || got.ID != first.ID {
		t.Fatalf("expected first sms, got %+v, ok=%v", got, ok)
	}
	got, ok = w.PollInbound()
	if !ok || got.ID != second.ID {
		t.Fatalf("expected second sms, got %+v, ok=%v", got, ok)
	}
	if _, ok := w.PollInbound(); ok {
		t.Fatal("expected inbound channel drained")
	}
}

func TestSnapshotReflectsCurrentState(t *testing.T) {
	w := testWorker(t)
	now := time.Now().UTC()

	w.mu.Lock()
	w.currentNetwork = "Test Telecom"
	w.currentSignal = 20
	w.currentPort = "/dev/ttyUSB0"
	w.status = "Online."
	w.lastInit = now
	w.mu.Unlock()

	snap := w.Snapshot()
	if snap.PhoneNumber != "+4915112345678" {
		t.Fatalf("PhoneNumber = %q", snap.PhoneNumber)
	}
	if snap.CurrentNetwork != "Test Telecom" {
		t.Fatalf("CurrentNetwork = %q", snap.CurrentNetwork)
	}
	if snap.CurrentSignal != signalToDBm(20) {
		t.Fatalf("CurrentSignal = %d, want %d", snap.CurrentSignal, signalToDBm(20))
	}
	if snap.Status != "Online." {
		t.Fatalf("Status = %q", snap.Status)
	}
	if !snap.LastInit.Equal(now) {
		t.Fatalf("LastInit = %v, want %v", snap.LastInit, now)
	}
}
