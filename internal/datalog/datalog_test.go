package datalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenDisabledReturnsNil(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "never-created.log"), false)
	if err != nil {
		t.Fatalf("Open disabled: %v", err)
	}
	if l != nil {
		t.Fatal("expected nil logger when disabled")
	}
	// Every method must be a safe no-op on the nil logger.
	l.Log("serial->tcp", []byte("data"))
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestLogWritesHexDumpWithDirectionTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	l, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Log("serial->tcp", []byte("hello\xff"))
	l.Log("tcp->serial", []byte{0x01, 0x02})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "serial->tcp 6 bytes") {
		t.Fatalf("missing serial->tcp header in %q", content)
	}
	if !strings.Contains(content, "tcp->serial 2 bytes") {
		t.Fatalf("missing tcp->serial header in %q", content)
	}
	// hex.Dump renders "hello" with its ASCII column.
	if !strings.Contains(content, "68 65 6c 6c 6f ff") {
		t.Fatalf("missing hex bytes in %q", content)
	}
	if !strings.Contains(content, "|hello.|") {
		t.Fatalf("missing ASCII column in %q", content)
	}
}

func TestEmptyDataNotLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	l, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Log("serial->tcp", nil)
	l.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("expected empty file, got %q", raw)
	}
}
