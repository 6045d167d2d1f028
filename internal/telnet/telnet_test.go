package telnet

import "testing"

func TestFeedStripsData(t *testing.T) {
	f := New()
	data, reply := f.Feed([]byte("hello"))
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
	if len(reply) != 0 {
		t.Fatalf("unexpected reply %v", reply)
	}
}

func TestFeedUnescapesIAC(t *testing.T) {
	f := New()
	data, _ := f.Feed([]byte{'a', IAC, IAC, 'b'})
	if string(data) != "a\xffb" {
		t.Fatalf("got %q", data)
	}
}

func TestFeedAcksDoSGA(t *testing.T) {
	f := New()
	_, reply := f.Feed([]byte{IAC, DO, OptSGA})
	want := []byte{IAC, WILL, OptSGA}
	if string(reply) != string(want) {
		t.Fatalf("got %v want %v", reply, want)
	}
	if !f.local[OptSGA] {
		t.Fatalf("expected local SGA to be set")
	}
}

func TestFeedRefusesUnknownOption(t *testing.T) {
	f := New()
	_, reply := f.Feed([]byte{IAC, WILL, 31}) // NAWS: not supported
	want := []byte{IAC, DONT, 31}
	if string(reply) != string(want) {
		t.Fatalf("got %v want %v", reply, want)
	}
}

func TestFeedSplitAcrossCalls(t *testing.T) {
	f := New()
	data1, _ := f.Feed([]byte{'x', IAC})
	if string(data1) != "x" {
		t.Fatalf("got %q", data1)
	}
	data2, reply := f.Feed([]byte{DO, OptEcho, 'y'})
	if string(data2) != "y" {
		t.Fatalf("got %q", data2)
	}
	want := []byte{IAC, WILL, OptEcho}
	if string(reply) != string(want) {
		t.Fatalf("got %v want %v", reply, want)
	}
}

func TestSubnegotiationDiscarded(t *testing.T) {
	f := New()
	in := []byte{'a', IAC, SB, 31, 0, 80, 0, 24, IAC, SE, 'b'}
	data, _ := f.Feed(in)
	if string(data) != "ab" {
		t.Fatalf("got %q", data)
	}
}

func TestLineModeDerivation(t *testing.T) {
	f := New()
	if !f.LineMode() {
		t.Fatalf("expected line mode before SGA negotiated")
	}
	f.Feed([]byte{IAC, WILL, OptSGA})
	if f.LineMode() {
		t.Fatalf("expected character mode after SGA negotiated")
	}
}

func TestEncodeEscapesIAC(t *testing.T) {
	out := Encode([]byte{'a', IAC, 'b'})
	want := []byte{'a', IAC, IAC, 'b'}
	if string(out) != string(want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestEncodeNoOpWithoutIAC(t *testing.T) {
	in := []byte("plain")
	out := Encode(in)
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestWontBinaryWarns(t *testing.T) {
	f := New()
	var warned []string
	f.Warn = func(msg string) { warned = append(warned, msg) }

	// Enable BINARY first so the WONT is a real rejection, then refuse it.
	f.Feed([]byte{IAC, WILL, OptBinary})
	f.Feed([]byte{IAC, WONT, OptBinary})
	if len(warned) != 1 {
		t.Fatalf("expected one warning on WONT BINARY, got %d: %v", len(warned), warned)
	}
	if f.BinaryRemote() {
		t.Fatal("remote BINARY should be recorded off after WONT")
	}
}

func TestDontBinaryWarns(t *testing.T) {
	f := New()
	var warned []string
	f.Warn = func(msg string) { warned = append(warned, msg) }

	f.Feed([]byte{IAC, DO, OptBinary})
	f.Feed([]byte{IAC, DONT, OptBinary})
	if len(warned) != 1 {
		t.Fatalf("expected one warning on DONT BINARY, got %d: %v", len(warned), warned)
	}
	if f.BinaryLocal() {
		t.Fatal("local BINARY should be recorded off after DONT")
	}
}

func TestWontNonBinaryDoesNotWarn(t *testing.T) {
	f := New()
	var warned []string
	f.Warn = func(msg string) { warned = append(warned, msg) }

	f.Feed([]byte{IAC, WILL, OptSGA})
	f.Feed([]byte{IAC, WONT, OptSGA})
	if len(warned) != 0 {
		t.Fatalf("unexpected warning for SGA rejection: %v", warned)
	}
}

func TestNilWarnIsSafe(t *testing.T) {
	f := New()
	f.Feed([]byte{IAC, WONT, OptBinary}) // must not panic with Warn unset
}
