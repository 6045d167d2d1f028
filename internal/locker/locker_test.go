package locker

import (
	"fmt"
	"os"
	"testing"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

func requireLockDirWritable(t *testing.T) {
	t.Helper()
	probe := Path(fmt.Sprintf("modembridge-locker-probe-%d", os.Getpid()))
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Skipf("%s not writable in this environment: %v", lockDir, err)
	}
	f.Close()
	os.Remove(probe)
}

func testTTYName(t *testing.T) string {
	return fmt.Sprintf("ttyTEST%d", os.Getpid())
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	requireLockDirWritable(t)
	tty := testTTYName(t)
	defer os.Remove(Path(tty))

	lock, err := Acquire(tty)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(Path(tty)); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(Path(tty)); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after release")
	}
}

func TestAcquireSameOwnerIsIdempotent(t *testing.T) {
	requireLockDirWritable(t)
	tty := testTTYName(t)
	defer os.Remove(Path(tty))

	first, err := Acquire(tty)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(tty)
	if err != nil {
		t.Fatalf("re-acquire by same owner should succeed, got: %v", err)
	}
	if second.path != first.path {
		t.Fatalf("expected same lock path")
	}
}

func TestAcquireForeignLockIsLocked(t *testing.T) {
	requireLockDirWritable(t)
	tty := testTTYName(t)
	path := Path(tty)
	defer os.Remove(path)

	// Write a lock file recording init's PID (1), which is always alive but
	// never matches this test process's PID.
	if err := os.WriteFile(path, []byte("0000000001\n"), 0644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	_, err := Acquire(tty)
	if !modemerr.Is(err, modemerr.Locked) {
		t.Fatalf("expected Locked error, got %v", err)
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	requireLockDirWritable(t)
	tty := testTTYName(t)
	path := Path(tty)
	defer os.Remove(path)

	// PID 2^30 is extremely unlikely to be a live process.
	if err := os.WriteFile(path, []byte("1073741824\n"), 0644); err != nil {
		t.Fatalf("seed stale lock file: %v", err)
	}

	lock, err := Acquire(tty)
	if err != nil {
		t.Fatalf("expected stale lock reclaim to succeed, got: %v", err)
	}
	defer lock.Release()

	owner, err := readOwner(path)
	if err != nil {
		t.Fatalf("read owner: %v", err)
	}
	if owner != os.Getpid() {
		t.Fatalf("lock file owner = %d, want %d", owner, os.Getpid())
	}
}

func TestPathFormatsLockFileName(t *testing.T) {
	got := Path("/dev/ttyUSB0")
	want := lockDir + "/LCK..ttyUSB0"
	if got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}
