package modem

import (
	"strconv"
	"strings"
)

// CommandOutcome tells the caller (internal/session) what happened after
// an AT line was processed: the bytes to write back to the serial peer,
// and whether the modem just went online (so the session can start
// CONNECTING).
type CommandOutcome struct {
	Response []byte
	WentOnline bool
	HungUp     bool
}

// ProcessLine handles one complete AT command line (CR-terminated,
// terminator already stripped by the caller). Only valid in COMMAND state;
// callers must check State() first.
func (m *Modem) ProcessLine(line string) CommandOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	upper := strings.ToUpper(strings.TrimSpace(line))
	if !strings.HasPrefix(upper, "AT") {
		return CommandOutcome{Response: m.formatResult(ResultError, "")}
	}
	body := upper[2:]

	outcome := CommandOutcome{}
	ok := true
	i := 0
	for i < len(body) {
		c := body[i]
		switch {
		case c == 'A':
			outcome.WentOnline = true
			i++
		case c == 'O':
			outcome.WentOnline = true
			i++
		case c == 'H':
			i++
			n, adv := readDigits(body[i:])
			i += adv
			if n == 0 || adv == 0 {
				outcome.HungUp = true
			}
		case c == 'I':
			i++
			readDigits(body[i:])
		case c == 'Z':
			m.resetLocked()
			i++
		case c == 'E':
			i++
			n, adv := readDigits(body[i:])
			i += adv
			m.echo = adv == 0 || n != 0
		case c == 'Q':
			i++
			n, adv := readDigits(body[i:])
			i += adv
			m.quiet = adv != 0 && n != 0
		case c == 'V':
			i++
			n, adv := readDigits(body[i:])
			i += adv
			m.verbose = adv == 0 || n != 0
		case c == 'X':
			i++
			_, adv := readDigits(body[i:])
			i += adv
		case c == 'L':
			i++
			_, adv := readDigits(body[i:])
			i += adv
		case c == 'M':
			i++
			_, adv := readDigits(body[i:])
			i += adv
		case c == 'B':
			i++
			_, adv := readDigits(body[i:])
			i += adv
		case c == 'D':
			// dial string consumes the rest of the line; the session owns
			// the fixed TCP target, so this is a no-op that still answers.
			outcome.WentOnline = true
			i = len(body)
		case c == 'S':
			i++
			reg, adv := readDigits(body[i:])
			i += adv
			if i < len(body) && body[i] == '?' {
				i++
				if reg < 0 || reg > 15 {
					ok = false
					break
				}
				v := m.regs[reg]
				outcome.Response = append(outcome.Response, []byte(strconv.Itoa(int(v))+"\r\n")...)
			} else if i < len(body) && body[i] == '=' {
				i++
				v, adv2 := readDigits(body[i:])
				i += adv2
				if reg < 0 || reg > 15 || adv2 == 0 {
					ok = false
					break
				}
				m.regs[reg] = byte(v)
			} else {
				ok = false
			}
		case c == '&':
			i++
			if i >= len(body) {
				ok = false
				break
			}
			sub := body[i]
			i++
			switch sub {
			case 'F':
				m.resetLocked()
			case 'C', 'D', 'S', 'W':
				_, adv := readDigits(body[i:])
				i += adv
			case 'V':
				// &V: view config; treated as a no-op query, response-only.
			default:
				ok = false
			}
		case c == '\\':
			i++
			if i >= len(body) || body[i] != 'N' {
				ok = false
				break
			}
			i++
			_, adv := readDigits(body[i:])
			i += adv
		default:
			ok = false
		}
		if !ok {
			break
		}
	}

	if !ok {
		return CommandOutcome{Response: m.formatResult(ResultError, "")}
	}

	if outcome.WentOnline {
		m.setState(StateOnline)
		outcome.Response = append(outcome.Response, m.formatResult(ResultConnect, "")...)
	} else {
		outcome.Response = append(outcome.Response, m.formatResult(ResultOK, "")...)
	}
	if outcome.HungUp {
		m.setState(StateCommand)
	}
	return outcome
}

func (m *Modem) resetLocked() {
	m.regs = registerDefaults
	m.echo = true
	m.verbose = true
	m.quiet = false
}

// readDigits parses a leading run of ASCII digits, returning the value and
// the number of bytes consumed (0 if s doesn't start with a digit).
func readDigits(s string) (int, int) {
	j := 0
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, 0
	}
	n, _ := strconv.Atoi(s[:j])
	return n, j
}
