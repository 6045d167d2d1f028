package hayesfilter

import "testing"

func TestDropsBareAT(t *testing.T) {
	f := New()
	out := f.Feed([]byte("AT\r"))
	if len(out) != 0 {
		t.Fatalf("expected AT line dropped, got %q", out)
	}
}

func TestDropsATH(t *testing.T) {
	f := New()
	out := f.Feed([]byte("ATH\r"))
	if len(out) != 0 {
		t.Fatalf("expected ATH line dropped, got %q", out)
	}
}

func TestDropsExtendedCommand(t *testing.T) {
	f := New()
	out := f.Feed([]byte("AT+CGMI\r"))
	if len(out) != 0 {
		t.Fatalf("expected AT+CGMI dropped, got %q", out)
	}
}

func TestPassesWordStartingWithA(t *testing.T) {
	f := New()
	out := f.Feed([]byte("Athens\r"))
	if string(out) != "Athens\r" {
		t.Fatalf("expected Athens passed through, got %q", out)
	}
}

func TestPassesLineContainingAT(t *testing.T) {
	f := New()
	out := f.Feed([]byte("CHAT ROOM\r"))
	if string(out) != "CHAT ROOM\r" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestPassesEmailAddress(t *testing.T) {
	f := New()
	out := f.Feed([]byte("onionmixer@gmail.com\r"))
	if string(out) != "onionmixer@gmail.com\r" {
		t.Fatalf("expected 21 bytes passed through, got %q (%d bytes)", out, len(out))
	}
}

func TestByteByByteFeedStillDrops(t *testing.T) {
	f := New()
	var out []byte
	for _, b := range []byte("AT\r") {
		out = append(out, f.Feed([]byte{b})...)
	}
	if len(out) != 0 {
		t.Fatalf("expected AT line dropped across byte-at-a-time feeds, got %q", out)
	}
}

func TestOverflowFlushesBuffer(t *testing.T) {
	f := New()
	long := make([]byte, maxLine+10)
	for i := range long {
		long[i] = 'x'
	}
	out := f.Feed(long)
	// The buffer flushes as soon as it hits maxLine; the trailing 10 bytes
	// remain buffered awaiting a terminator or the next overflow.
	if len(out) != maxLine {
		t.Fatalf("expected %d bytes flushed at overflow, got %d", maxLine, len(out))
	}
	if len(f.buf) != 10 {
		t.Fatalf("expected 10 trailing bytes retained in buffer, got %d", len(f.buf))
	}
}
