package serial

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// openTestPTY opens a PTY pair for loopback tests, skipping when the
// sandbox running the test has no /dev/ptmx (e.g. some containers).
func openTestPTY(t *testing.T) (master, slave *Port, slavePath string) {
	t.Helper()
	master, slave, slavePath, err := OpenPTY(nil)
	if err != nil {
		t.Skipf("PTY unavailable in this environment: %v", err)
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave, slavePath
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestPortWriteReadLoopback(t *testing.T) {
	master, slave, _ := openTestPTY(t)
	// Raw mode, so the unterminated write is delivered without waiting
	// for a newline.
	if err := slave.MakeRaw(); err != nil {
		t.Fatalf("make raw: %v", err)
	}
	if _, err := master.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := slave.ReadTimeout(buf, 1000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadTimeoutReturnsZeroNotError(t *testing.T) {
	_, slave, _ := openTestPTY(t)
	buf := make([]byte, 16)
	n, err := slave.ReadTimeout(buf, 100)
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes on timeout, got %d", n)
	}
}

// TestEndpointOpenAppliesLineParamsAndCloses drives the full Endpoint.Open
// path (lock acquisition, termios apply, baud set) against the slave side
// of a PTY instead of a real tty device. It needs write access to
// /var/lock (locker.Acquire), so it's skipped for non-root test runs.
func TestEndpointOpenAppliesLineParamsAndCloses(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires permission to write /var/lock")
	}
	master, slave, slavePath := openTestPTY(t)
	defer master.Close()
	slave.Close() // Endpoint.Open reopens slavePath itself.

	ep := NewEndpoint(testLogger())
	params := LineParams{Baud: 9600, Parity: ParityNone, DataBits: 8, StopBits: 1, Flow: FlowNone}
	if err := ep.Open(slavePath, params); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := ep.GetBaud(); got != 9600 {
		t.Fatalf("baud = %d, want 9600", got)
	}
	if !ep.IsHealthy() {
		t.Fatalf("expected healthy after open")
	}
	if _, err := ep.WriteRobust([]byte("AT\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := master.ReadTimeout(buf, 1000)
	if err != nil {
		t.Fatalf("read back from master: %v", err)
	}
	if string(buf[:n]) != "AT\r" {
		t.Fatalf("got %q", buf[:n])
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ep.IsHealthy() {
		t.Fatalf("expected unhealthy after close")
	}
}
