package modem

import "time"

// escapeDetector implements the Hayes `+++` escape sequence: three
// consecutive occurrences of the S2 character, the first preceded by at
// least S12×20ms idle and the third followed by at least S12×20ms idle
// before the mode actually flips to COMMAND.
type escapeDetector struct {
	count         int
	buffered      []byte
	lastTrafficAt time.Time // time of the most recent byte, escape or not
	thirdAt       time.Time // time the third escape char arrived
}

func (e *escapeDetector) reset() {
	e.count = 0
	e.buffered = e.buffered[:0]
}

// guardDuration converts S12 (units of 20ms) to a time.Duration.
func guardDuration(s12 byte) time.Duration {
	return time.Duration(s12) * 20 * time.Millisecond
}

// FeedOnlineByte processes one raw byte of the online serial stream,
// looking for the start of an escape sequence. It returns bytes that must
// be forwarded to the TCP side immediately: either the byte itself (not
// part of any escape attempt), or a previously-held run of escape
// characters that turned out not to qualify once a non-escape byte or a
// guard-time violation broke the sequence.
//
// now must be monotonically non-decreasing across calls for a given Modem.
func (m *Modem) FeedOnlineByte(b byte, now time.Time) (forward []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escChar := m.regs[2]
	guard := guardDuration(m.regs[12])
	e := &m.escape

	if b != escChar {
		if e.count >= 3 {
			if now.Sub(e.thirdAt) < guard {
				// Guard violated: the trailing idle window was broken by
				// real traffic before CheckEscapeGuardElapsed could fire,
				// so the +++ never qualified. Forward the buffered run
				// verbatim.
				held := append([]byte(nil), e.buffered...)
				e.reset()
				e.lastTrafficAt = now
				return append(held, b)
			}
			// Guard already elapsed: the escape already qualified and
			// should have flipped the mode via CheckEscapeGuardElapsed
			// before this byte arrived. Clear the stale detector state and
			// treat b as ordinary traffic.
			e.reset()
			e.lastTrafficAt = now
			return []byte{b}
		}
		held := e.flushIncomplete()
		e.lastTrafficAt = now
		return append(held, b)
	}

	if e.count == 0 {
		idle := e.lastTrafficAt.IsZero() || now.Sub(e.lastTrafficAt) >= guard
		e.lastTrafficAt = now
		if !idle {
			return []byte{b}
		}
		e.count = 1
		e.buffered = append(e.buffered[:0], b)
		return nil
	}

	e.lastTrafficAt = now
	e.count++
	e.buffered = append(e.buffered, b)
	if e.count == 3 {
		e.thirdAt = now
	}
	if e.count > 3 {
		// A fourth consecutive escape char restarts the window rather than
		// accumulating forever.
		held := append([]byte(nil), e.buffered[:e.count-1]...)
		e.reset()
		e.count = 1
		e.buffered = append(e.buffered[:0], b)
		e.lastTrafficAt = now
		return held
	}
	return nil
}

// flushIncomplete returns and clears any buffered escape characters that
// did not reach a full three-character sequence.
func (e *escapeDetector) flushIncomplete() []byte {
	if e.count == 0 || e.count >= 3 {
		return nil
	}
	held := append([]byte(nil), e.buffered...)
	e.reset()
	return held
}

// CheckEscapeGuardElapsed is polled once three escape characters have
// arrived, to confirm the trailing guard time has elapsed with no further
// input. Returns true exactly once, the moment the escape completes and
// the modem flips to COMMAND mode.
func (m *Modem) CheckEscapeGuardElapsed(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &m.escape
	if e.count < 3 {
		return false
	}
	guard := guardDuration(m.regs[12])
	if now.Sub(e.thirdAt) < guard {
		return false
	}
	e.reset()
	m.setState(StateCommand)
	return true
}
