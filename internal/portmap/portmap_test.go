package portmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")
	m, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Set("359876543210987", "/dev/ttyACM2")
	got, ok := m.Get("359876543210987")
	if !ok || got != "/dev/ttyACM2" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestFlushPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")
	m, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Set("111111111111111", "/dev/ttyACM0")
	m.Set("222222222222222", "/dev/ttyACM1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunFlusher(ctx, time.Hour)
		close(done)
	}()
	cancel() // flush happens on ctx.Done() per RunFlusher
	<-done

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, ok := reloaded.Get("111111111111111"); !ok || got != "/dev/ttyACM0" {
		t.Fatalf("reloaded mapping 1 = %q, %v", got, ok)
	}
	if got, ok := reloaded.Get("222222222222222"); !ok || got != "/dev/ttyACM1" {
		t.Fatalf("reloaded mapping 2 = %q, %v", got, ok)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.hint")
	m, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := m.Get("000"); ok {
		t.Fatal("expected no mapping")
	}
}

func TestNewWithNoExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-there.hint")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("setup: file should not exist")
	}
	if _, err := New(path); err != nil {
		t.Fatalf("New: %v", err)
	}
}
