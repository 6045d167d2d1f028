// Package modem implements the Hayes-compatible AT command emulator:
// command parsing, the S-register file, the COMMAND/ONLINE
// mode toggle (including the `+++` escape sequence with its guard
// time), and the hardware RING/CONNECT message detector for an external
// physical modem sitting between the serial port and a caller.
package modem

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the modem's operating mode.
type State int

const (
	StateCommand State = iota
	StateConnecting
	StateOnline
	StateRinging
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCommand:
		return "COMMAND"
	case StateConnecting:
		return "CONNECTING"
	case StateOnline:
		return "ONLINE"
	case StateRinging:
		return "RINGING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Result is a Hayes result code.
type Result int

const (
	ResultOK Result = iota
	ResultConnect
	ResultRing
	ResultNoCarrier
	ResultError
	ResultConnectSpeed
	ResultNoDialtone
	ResultBusy
	ResultNoAnswer
)

var verboseResult = map[Result]string{
	ResultOK:           "OK",
	ResultConnect:      "CONNECT",
	ResultRing:         "RING",
	ResultNoCarrier:    "NO CARRIER",
	ResultError:        "ERROR",
	ResultConnectSpeed: "CONNECT", // speed suffix appended by caller
	ResultNoDialtone:   "NO DIALTONE",
	ResultBusy:         "BUSY",
	ResultNoAnswer:     "NO ANSWER",
}

var numericResult = map[Result]int{
	ResultOK:           0,
	ResultConnect:      1,
	ResultRing:         2,
	ResultNoCarrier:    3,
	ResultError:        4,
	ResultConnectSpeed: 5,
	ResultNoDialtone:   6,
	ResultBusy:         7,
	ResultNoAnswer:     8,
}

// registerDefaults holds the documented default for each of the 16
// S-registers: writing the defaults then reading any register yields the
// documented default.
var registerDefaults = [16]byte{
	0:  0,   // S0: rings before auto-answer (0 = disabled)
	2:  '+', // S2: escape character
	7:  30,  // S7: seconds to wait for carrier / connect completion
	12: 50,  // S12: escape guard time, units of 20ms (1s default)
}

// Modem is the emulator instance. One per Session. All mutation goes
// through the exported methods, which take the internal mutex; S-registers
// and settings live under this same mutex.
type Modem struct {
	mu sync.Mutex

	log *logrus.Entry

	state State
	regs  [16]byte

	echo      bool
	verbose   bool
	quiet     bool
	connSpeed int

	ringCount int

	escape escapeDetector
	hwmsg  hwMessageDetector

	speedHint int // last negotiated CONNECT speed, 0 if none
}

// New builds a Modem with the documented S-register defaults and
// verbose/non-quiet settings (AT&F factory-default behavior).
func New(log *logrus.Logger) *Modem {
	m := &Modem{
		log:     log.WithField("component", "modem"),
		state:   StateCommand,
		regs:    registerDefaults,
		echo:    true,
		verbose: true,
	}
	m.hwmsg.reset()
	return m
}

// State returns the current mode.
func (m *Modem) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState centralizes transitions so logging stays in one place; it does
// not validate the transition graph itself. The only validated
// transition graph is the session lifecycle's (internal/pipeline's
// StateMachine, driven by internal/session), which this modem mode feeds
// into.
func (m *Modem) setState(s State) {
	if m.state == s {
		return
	}
	m.log.WithField("from", m.state).WithField("to", s).Debug("modem state transition")
	m.state = s
}

// Register returns the current value of S-register n (0..15).
func (m *Modem) Register(n int) (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n > 15 {
		return 0, false
	}
	return m.regs[n], true
}

// SetRegister writes S-register n.
func (m *Modem) SetRegister(n int, v byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n > 15 {
		return false
	}
	m.regs[n] = v
	return true
}

// Echo reports whether command-mode character echo (E1) is enabled.
func (m *Modem) Echo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.echo
}

// HangUp forces the modem back to COMMAND mode outside of the normal `H`
// command path: used by the session supervisor when the serial carrier
// itself drops (DCD loss) rather than the peer typing a hangup command.
func (m *Modem) HangUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(StateCommand)
}

// ResetToDefaults implements &F: restores factory S-register defaults and
// echo/verbose/quiet settings.
func (m *Modem) ResetToDefaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = registerDefaults
	m.echo = true
	m.verbose = true
	m.quiet = false
}

// formatResult renders a result code per the current V/Q settings. Quiet
// mode suppresses all output.
func (m *Modem) formatResult(r Result, suffix string) []byte {
	if m.quiet {
		return nil
	}
	if m.verbose {
		s := verboseResult[r]
		if suffix != "" {
			s += " " + suffix
		}
		return []byte("\r\n" + s + "\r\n")
	}
	n := numericResult[r]
	return []byte{byte('0' + n), '\r'}
}

// FormatResult is the exported form used by callers that already hold no
// lock across the call (command processing holds the lock internally).
func (m *Modem) FormatResult(r Result, suffix string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formatResult(r, suffix)
}
