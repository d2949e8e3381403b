// Package portmap implements the process-wide IMEI-to-serial-port hint
// cache. Device paths under hot-plug USB CDC-ACM are not stable across
// reboots; probing every startup is acceptable but probing mid-run on
// every re-init is expensive, so a worker caches IMEI->path hints and
// validates them before use.
//
// Built as an explicit instance constructed once in the Supervisor and
// dependency-injected into every worker, rather than a package-level
// singleton, so the invariant that all workers share one mapper
// instance and one backing file stays visible at the call site.
package portmap

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Mapper is a single IMEI<->device-path cache guarded by one mutex, with
// a dirty flag flushed to a backing file on a fixed interval.
type Mapper struct {
	path string

	mu    sync.Mutex
	byIME map[string]string
	dirty bool
}

// New constructs a Mapper and loads any existing hint file. A missing
// file is not an error: the backing file is created on first write.
func New(hintFile string) (*Mapper, error) {
	m := &Mapper{path: hintFile, byIME: make(map[string]string)}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapper) load() error {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		m.byIME[fields[0]] = fields[1]
	}
	return scanner.Err()
}

// Get returns the cached device path for imei, if any.
func (m *Mapper) Get(imei string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byIME[imei]
	return p, ok
}

// Set inserts or replaces the mapping for imei and marks the cache dirty
// so the next flush rewrites the backing file.
func (m *Mapper) Set(imei, devicePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byIME[imei] = devicePath
	m.dirty = true
}

// flush atomically rewrites the backing file if dirty, clearing the flag
// on success.
func (m *Mapper) flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	lines := make([]string, 0, len(m.byIME))
	for imei, port := range m.byIME {
		lines = append(lines, fmt.Sprintf("%s %s\n", imei, port))
	}
	m.mu.Unlock()

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := f.WriteString(l); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// RunFlusher starts the periodic background flush as its own dedicated
// goroutine, using the same context-cancellation idiom as the other
// background loops in this process. It blocks until ctx is cancelled.
func (m *Mapper) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case <-t.C:
			m.flush()
		}
	}
}
