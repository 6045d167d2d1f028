package modem

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestModem() *Modem {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(log)
}

func TestRegisterDefaults(t *testing.T) {
	m := newTestModem()
	m.ResetToDefaults()
	if v, _ := m.Register(2); v != '+' {
		t.Fatalf("S2 default = %q, want '+'", v)
	}
	if v, _ := m.Register(12); v != 50 {
		t.Fatalf("S12 default = %d, want 50", v)
	}
	if v, _ := m.Register(0); v != 0 {
		t.Fatalf("S0 default = %d, want 0", v)
	}
}

func TestRegisterWriteQuery(t *testing.T) {
	m := newTestModem()
	out := m.ProcessLine("ATS2=35")
	if containsString(string(out.Response), "ERROR") {
		t.Fatalf("unexpected error: %q", out.Response)
	}
	v, _ := m.Register(2)
	if v != 35 {
		t.Fatalf("S2 = %d, want 35", v)
	}
}

func TestUnknownCommandYieldsError(t *testing.T) {
	m := newTestModem()
	out := m.ProcessLine("ATQZZZ!")
	if !containsString(string(out.Response), "ERROR") {
		t.Fatalf("expected ERROR, got %q", out.Response)
	}
}

func TestATAGoesOnline(t *testing.T) {
	m := newTestModem()
	out := m.ProcessLine("ATA")
	if !out.WentOnline {
		t.Fatalf("expected WentOnline")
	}
	if m.State() != StateOnline {
		t.Fatalf("state = %v, want ONLINE", m.State())
	}
}

func TestQuietModeSuppressesResponse(t *testing.T) {
	m := newTestModem()
	m.ProcessLine("ATQ1")
	out := m.ProcessLine("ATE0")
	if len(out.Response) != 0 {
		t.Fatalf("expected no response in quiet mode, got %q", out.Response)
	}
}

func TestEscapeSequenceRequiresGuardTime(t *testing.T) {
	m := newTestModem()
	m.ProcessLine("ATA") // go online
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// First '+' arrives after ample idle time.
	fwd := m.FeedOnlineByte('+', base)
	if fwd != nil {
		t.Fatalf("expected first + buffered, got forward %v", fwd)
	}
	fwd = m.FeedOnlineByte('+', base.Add(5*time.Millisecond))
	if fwd != nil {
		t.Fatalf("expected second + buffered, got forward %v", fwd)
	}
	fwd = m.FeedOnlineByte('+', base.Add(10*time.Millisecond))
	if fwd != nil {
		t.Fatalf("expected third + buffered, got forward %v", fwd)
	}

	if m.CheckEscapeGuardElapsed(base.Add(100 * time.Millisecond)) {
		t.Fatalf("escape should not complete before guard time elapses")
	}
	if !m.CheckEscapeGuardElapsed(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("escape should complete once guard time elapses")
	}
	if m.State() != StateCommand {
		t.Fatalf("state = %v, want COMMAND", m.State())
	}
}

func TestEscapeBrokenByDataForwardsVerbatim(t *testing.T) {
	m := newTestModem()
	m.ProcessLine("ATA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.FeedOnlineByte('+', base)
	m.FeedOnlineByte('+', base.Add(5*time.Millisecond))
	// A non-plus byte before the third escape char breaks the sequence.
	fwd := m.FeedOnlineByte('x', base.Add(10*time.Millisecond))
	if string(fwd) != "++x" {
		t.Fatalf("expected buffered plusses plus the byte forwarded, got %q", fwd)
	}
}

func TestEscapeBrokenByTrailingDataForwardsVerbatim(t *testing.T) {
	m := newTestModem()
	m.ProcessLine("ATA")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.FeedOnlineByte('+', base)
	m.FeedOnlineByte('+', base.Add(5*time.Millisecond))
	m.FeedOnlineByte('+', base.Add(10*time.Millisecond))

	// Traffic arrives during the trailing guard window, before the third
	// '+' has been idle for S12*20ms: the escape must not qualify, and the
	// buffered "+++" must be forwarded rather than silently dropped.
	fwd := m.FeedOnlineByte('x', base.Add(200*time.Millisecond))
	if string(fwd) != "+++x" {
		t.Fatalf("expected buffered +++ plus the byte forwarded, got %q", fwd)
	}
	if m.State() != StateOnline {
		t.Fatalf("state = %v, want ONLINE (escape must not have completed)", m.State())
	}
	if m.CheckEscapeGuardElapsed(base.Add(2 * time.Second)) {
		t.Fatalf("escape detector should have been reset, not pending")
	}
}

func TestHardwareRingAutoAnswerThreshold(t *testing.T) {
	m := newTestModem()
	m.SetRegister(0, 2)
	m.FeedHardwareBytes([]byte("RING\r\n"))
	if m.ShouldAutoAnswer() {
		t.Fatalf("should not auto-answer on first RING with S0=2")
	}
	m.FeedHardwareBytes([]byte("RING\r\n"))
	if !m.ShouldAutoAnswer() {
		t.Fatalf("should auto-answer on second RING with S0=2")
	}
}

func TestConnectWithSpeedRecognizedOnlyAtLineEnd(t *testing.T) {
	m := newTestModem()
	events := m.FeedHardwareBytes([]byte("\r\nC"))
	if len(events) != 0 {
		t.Fatalf("expected no event on partial fragment, got %v", events)
	}
	events = m.FeedHardwareBytes([]byte("ONNECT 2400/ARQ\r\n"))
	if len(events) != 1 || events[0].Kind != ResultConnectSpeed || events[0].Speed != 2400 {
		t.Fatalf("expected CONNECT 2400, got %v", events)
	}
	if m.State() != StateOnline {
		t.Fatalf("state = %v, want ONLINE", m.State())
	}
}

func containsString(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
