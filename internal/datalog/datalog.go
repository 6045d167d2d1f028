// Package datalog writes the optional hex-dump trace of payload bytes
// moving through the bridge, controlled by the DATA_LOG_ENABLED and
// DATA_LOG_FILE config keys. The sink is a configured handle owned by the
// session, never a package global; a nil *Logger is a valid no-op so call
// sites stay unconditional.
package datalog

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

// Logger appends timestamped hex dumps to the configured file. Safe for
// concurrent use from the serial and network goroutines.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates or appends to path. Returns nil, nil when enabled is false
// so the caller can hold a single *Logger either way.
func Open(path string, enabled bool) (*Logger, error) {
	if !enabled {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, modemerr.WrapSyscall(modemerr.IO, "open", err)
	}
	return &Logger{f: f}, nil
}

// Log appends one dump block: a header line with the timestamp, direction
// tag and byte count, followed by the canonical hex+ASCII dump of data.
// A nil receiver or empty data is a no-op.
func (l *Logger) Log(direction string, data []byte) {
	if l == nil || len(data) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	fmt.Fprintf(l.f, "%s %s %d bytes\n", time.Now().Format("2006-01-02 15:04:05.000"), direction, len(data))
	l.f.WriteString(hex.Dump(data))
}

// Close flushes and closes the underlying file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "close", err)
	}
	return nil
}
