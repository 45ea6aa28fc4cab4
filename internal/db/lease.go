package db

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLeaseTimeout = 500 * time.Millisecond
	initialBackoff      = 5 * time.Millisecond
	maxBackoff          = 50 * time.Millisecond
)

// ErrLeaseTimeout is returned when another process keeps holding a lease
// past the acquire timeout.
var ErrLeaseTimeout = errors.New("lease timeout")

// Leaser hands out exclusive per-key leases backed by OS file locks, one lock
// file per key under dir. A lease is released automatically when the holding
// process exits, including crashes.
type Leaser struct {
	dir     string
	timeout time.Duration
}

// NewLeaser returns a Leaser storing lock files in dir. A non-positive
// timeout selects the default.
func NewLeaser(dir string, timeout time.Duration) *Leaser {
	if timeout <= 0 {
		timeout = defaultLeaseTimeout
	}
	return &Leaser{dir: dir, timeout: timeout}
}

// Acquire takes the lease for key, waiting up to the configured timeout.
// The returned func releases it.
func (l *Leaser) Acquire(key string) (func() error, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	fl := &fileLease{path: filepath.Join(l.dir, leaseFileName(key))}
	if err := fl.acquire(l.timeout); err != nil {
		return nil, fmt.Errorf("lease %s: %w", key, err)
	}
	return fl.release, nil
}

// leaseFileName keeps keys readable on disk while staying filesystem safe.
func leaseFileName(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
	if len(safe) > 48 {
		safe = safe[:48]
	}
	sum := sha256.Sum256([]byte(key))
	return safe + "-" + hex.EncodeToString(sum[:4]) + ".lock"
}

type fileLease struct {
	path string
	file *os.File
}

func (l *fileLease) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}

		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.file.Close()
			l.file = nil
			return fmt.Errorf("%w after %v (holder: %s)", ErrLeaseTimeout, timeout, holder)
		}

		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (l *fileLease) release() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	l.unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

// writeHolder records the current process in the lock file for diagnostics.
func (l *fileLease) writeHolder() {
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.file.Sync()
}

func (l *fileLease) readHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}

	var pid, timestamp string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if v, ok := strings.CutPrefix(line, "pid:"); ok {
			pid = v
		} else if v, ok := strings.CutPrefix(line, "time:"); ok {
			timestamp = v
		}
	}
	if pid == "" {
		return "unknown"
	}

	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid:%s since %s (STALE - process dead)", pid, timestamp)
	}
	return fmt.Sprintf("pid:%s since %s", pid, timestamp)
}
