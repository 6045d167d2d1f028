package session

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onionmixer/modembridge/internal/ansifilter"
	"github.com/onionmixer/modembridge/internal/datalog"
	"github.com/onionmixer/modembridge/internal/hayesfilter"
	"github.com/onionmixer/modembridge/internal/modem"
	"github.com/onionmixer/modembridge/internal/modemerr"
	"github.com/onionmixer/modembridge/internal/serial"
	"github.com/onionmixer/modembridge/internal/telnet"
)

// serialEndpoint adapts *serial.Endpoint plus the modem command-mode
// interception and the Hayes inline filter into the
// pipeline.Endpoint capability interface. Data flow on TryRead:
// raw serial bytes -> (COMMAND mode: consumed by the modem, nothing
// forwarded) or (ONLINE mode: +++ escape detector -> hayesfilter -> the
// bytes the pipeline is allowed to move toward TCP).
type serialEndpoint struct {
	ep    *serial.Endpoint
	m     *modem.Modem
	hayes *hayesfilter.Filter
	ansi  *ansifilter.Filter
	log   *logrus.Entry
	dlog  *datalog.Logger

	cmdLineBuf []byte
	pending    []byte // filter output the caller's buffer could not take yet
	onGoneOnline func(CommandEvent)
}

// CommandEvent notifies the session of something the modem command
// processor did that the session must act on (answer now online, or a
// hangup request), since the adapter itself has no access to session
// lifecycle state.
type CommandEvent struct {
	WentOnline bool
	HungUp     bool
}

func newSerialEndpoint(ep *serial.Endpoint, m *modem.Modem, log *logrus.Entry, dlog *datalog.Logger, onEvent func(CommandEvent)) *serialEndpoint {
	return &serialEndpoint{
		ep:           ep,
		m:            m,
		hayes:        hayesfilter.New(),
		ansi:         ansifilter.New(),
		log:          log,
		dlog:         dlog,
		cmdLineBuf:   make([]byte, 0, 256),
		onGoneOnline: onEvent,
	}
}

func (s *serialEndpoint) TryRead(buf []byte) (int, error) {
	// Filter output held back from a previous call goes first, so nothing
	// the hayes filter released is ever dropped when it exceeds the
	// caller's buffer.
	if len(s.pending) > 0 {
		n := copy(buf, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	raw := make([]byte, len(buf))
	n, err := s.ep.Read(raw)
	if err != nil {
		return 0, err
	}

	// The +++ escape completes on trailing idle time, not on the arrival
	// of another byte: poll the guard unconditionally, even on a tick
	// that read nothing, or an escape typed right before the peer goes
	// quiet would never flip the modem to COMMAND mode.
	if s.m.State() == modem.StateOnline && s.m.CheckEscapeGuardElapsed(time.Now()) {
		s.ep.WriteRobust(s.m.FormatResult(modem.ResultOK, ""))
	}

	if n == 0 {
		return 0, modemerr.New(modemerr.WouldBlock)
	}
	raw = raw[:n]

	if s.m.State() == modem.StateCommand || s.m.State() == modem.StateConnecting || s.m.State() == modem.StateRinging {
		s.feedCommandBytes(raw)
		return 0, modemerr.New(modemerr.WouldBlock)
	}

	now := time.Now()
	forward := make([]byte, 0, len(raw))
	for _, b := range raw {
		forward = append(forward, s.m.FeedOnlineByte(b, now)...)
		if s.m.CheckEscapeGuardElapsed(now) {
			s.ep.WriteRobust(s.m.FormatResult(modem.ResultOK, ""))
		}
	}
	out := s.hayes.Feed(forward)
	if len(out) == 0 {
		return 0, modemerr.New(modemerr.WouldBlock)
	}
	s.dlog.Log("serial->tcp", out)
	w := copy(buf, out)
	if w < len(out) {
		s.pending = append(s.pending[:0], out[w:]...)
	}
	return w, nil
}

// feedCommandBytes accumulates bytes into the line buffer while the modem
// is off-line (COMMAND/CONNECTING/RINGING), processing one complete AT
// line per CR and writing the response straight back to the serial peer.
// It also runs the same bytes through the hardware RING/CONNECT detector
// for the case of an external physical modem sitting
// between the serial port and the caller: a recognized RING drives
// auto-answer, a recognized CONNECT re-bauds the line and takes the modem
// online exactly as a local "ATA" would.
func (s *serialEndpoint) feedCommandBytes(raw []byte) {
	if s.m.State() == modem.StateCommand && s.m.Echo() {
		s.ep.WriteRobust(raw)
	}

	for _, ev := range s.m.FeedHardwareBytes(raw) {
		switch ev.Kind {
		case modem.ResultRing:
			if s.m.ShouldAutoAnswer() {
				out := s.m.ProcessLine("ATA")
				s.ep.WriteRobust(out.Response)
				if s.onGoneOnline != nil && out.WentOnline {
					s.onGoneOnline(CommandEvent{WentOnline: true})
				}
			}
		case modem.ResultConnect, modem.ResultConnectSpeed:
			if ev.Speed > 0 {
				if err := s.ep.SetBaud(ev.Speed); err != nil {
					s.log.WithError(err).WithField("speed", ev.Speed).Warn("failed to re-baud after hardware CONNECT")
				}
			}
			if s.onGoneOnline != nil {
				s.onGoneOnline(CommandEvent{WentOnline: true})
			}
		}
	}

	for _, b := range raw {
		if b == '\r' || b == '\n' {
			if len(s.cmdLineBuf) > 0 {
				line := string(s.cmdLineBuf)
				s.cmdLineBuf = s.cmdLineBuf[:0]
				if s.m.State() == modem.StateCommand {
					out := s.m.ProcessLine(line)
					s.ep.WriteRobust(out.Response)
					if s.onGoneOnline != nil && (out.WentOnline || out.HungUp) {
						s.onGoneOnline(CommandEvent{WentOnline: out.WentOnline, HungUp: out.HungUp})
					}
				}
			}
			continue
		}
		s.cmdLineBuf = append(s.cmdLineBuf, b)
		if len(s.cmdLineBuf) >= 256 {
			s.cmdLineBuf = s.cmdLineBuf[:0]
		}
	}
}

// TryWrite delivers bytes arriving from the TCP side to the serial peer,
// running them through the ANSI cursor-code filter first.
func (s *serialEndpoint) TryWrite(data []byte) (int, error) {
	filtered := s.ansi.Feed(data)
	if len(filtered) == 0 {
		return len(data), nil
	}
	n, err := s.ep.WriteRobust(filtered)
	if err != nil {
		return 0, err
	}
	if n < len(filtered) {
		return 0, modemerr.New(modemerr.Partial)
	}
	return len(data), nil
}

func (s *serialEndpoint) IsHealthy() bool { return s.ep.IsHealthy() }
func (s *serialEndpoint) Close() error    { return s.ep.Close() }

// telnetEndpoint adapts a net.Conn plus an IAC Framer into pipeline.Endpoint:
// TryRead unescapes/unframes inbound bytes (answering negotiation replies
// immediately), TryWrite escapes outbound payload bytes.
type telnetEndpoint struct {
	conn   net.Conn
	framer *telnet.Framer
	log    *logrus.Entry
	dlog   *datalog.Logger

	negMu         sync.Mutex
	lastOptionAt  time.Time
	payloadArrived bool
}

func newTelnetEndpoint(conn net.Conn, framer *telnet.Framer, log *logrus.Entry, dlog *datalog.Logger) *telnetEndpoint {
	framer.Warn = func(msg string) { log.Warn(msg) }
	return &telnetEndpoint{conn: conn, framer: framer, log: log, dlog: dlog, lastOptionAt: time.Now()}
}

// NegotiationQuiesced reports whether the initial option exchange has gone
// quiet: either a payload byte already arrived, or no option bytes have
// been seen for the given window.
func (t *telnetEndpoint) NegotiationQuiesced(now time.Time, window time.Duration) bool {
	t.negMu.Lock()
	defer t.negMu.Unlock()
	return t.payloadArrived || now.Sub(t.lastOptionAt) >= window
}

func (t *telnetEndpoint) noteNegotiation(now time.Time) {
	t.negMu.Lock()
	t.lastOptionAt = now
	t.negMu.Unlock()
}

func (t *telnetEndpoint) notePayload() {
	t.negMu.Lock()
	t.payloadArrived = true
	t.negMu.Unlock()
}

func (t *telnetEndpoint) TryRead(buf []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	raw := make([]byte, len(buf))
	n, err := t.conn.Read(raw)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, modemerr.New(modemerr.WouldBlock)
		}
		return 0, modemerr.Wrap(modemerr.Hangup, err, "telnet read")
	}
	userData, reply := t.framer.Feed(raw[:n])
	if len(reply) > 0 {
		t.noteNegotiation(time.Now())
		t.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		if _, werr := t.conn.Write(reply); werr != nil {
			t.log.WithError(werr).Warn("failed to write telnet negotiation reply")
		}
	}
	if len(userData) == 0 {
		return 0, modemerr.New(modemerr.WouldBlock)
	}
	t.notePayload()
	t.dlog.Log("tcp->serial", userData)
	copy(buf, userData)
	return len(userData), nil
}

func (t *telnetEndpoint) TryWrite(data []byte) (int, error) {
	encoded := telnet.Encode(data)
	t.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	n, err := t.conn.Write(encoded)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, modemerr.New(modemerr.WouldBlock)
		}
		return 0, modemerr.Wrap(modemerr.Hangup, err, "telnet write")
	}
	if n < len(encoded) {
		return 0, modemerr.New(modemerr.Partial)
	}
	return len(data), nil
}

func (t *telnetEndpoint) IsHealthy() bool { return t.conn != nil }
func (t *telnetEndpoint) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
