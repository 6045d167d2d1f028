// Package telnet implements the RFC 854 IAC framing layer used between the
// bridge and the remote host: a byte-driven state machine that strips
// negotiation commands out of the data stream and escapes/unescapes 0xFF,
// restricted to the three options the bridge cares about (BINARY, SGA,
// ECHO). Option state is kept as local/remote boolean vectors with
// explicit ack/nak replies; subnegotiations are consumed and discarded.
package telnet

import "bytes"

const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	SE   byte = 240

	OptBinary byte = 0
	OptEcho   byte = 1
	OptSGA    byte = 3
)

// maxSubnegotiationLen bounds the SB buffer; overflow bytes are dropped
// rather than grown without limit.
const maxSubnegotiationLen = 512

type state int

const (
	stateData state = iota
	stateIAC
	stateWill
	stateWont
	stateDo
	stateDont
	stateSB
	stateSBIAC
)

// optionVector tracks the negotiated value of the three options this
// bridge understands, indexed by option byte 0..3 (BINARY=0, ECHO=1, SGA=3
// are the only slots ever set; index 2 is unused padding).
type optionVector [4]bool

// Framer is the IAC state machine. It is not safe for concurrent use from
// more than one goroutine at a time; the session package gives each
// direction its own Framer where needed.
type Framer struct {
	st state

	local  optionVector // options we have agreed to enable
	remote optionVector // options the peer has agreed to enable

	sbBuf []byte

	pending []byte // outgoing negotiation replies queued by Feed

	// Warn, when non-nil, receives a message each time the peer refuses
	// an option whose absence degrades the data path — in practice
	// BINARY, since without 8-bit transparency multibyte sequences can
	// be mangled in transit. The caller decides where the message goes;
	// the framer itself carries no logger.
	Warn func(msg string)
}

// New returns a Framer with all options initially disabled.
func New() *Framer {
	return &Framer{}
}

// InitialNegotiation returns the opening negotiation this bridge sends:
// WILL BINARY, WILL SGA, DO SGA, DO ECHO. Call once after the TCP connection
// is established and send the result before any user data.
func (f *Framer) InitialNegotiation() []byte {
	return []byte{
		IAC, WILL, OptBinary,
		IAC, WILL, OptSGA,
		IAC, DO, OptSGA,
		IAC, DO, OptEcho,
	}
}

// BinaryLocal reports whether we have agreed to send 8-bit transparent data.
func (f *Framer) BinaryLocal() bool { return f.local[OptBinary] }

// BinaryRemote reports whether the peer has agreed to send 8-bit
// transparent data.
func (f *Framer) BinaryRemote() bool { return f.remote[OptBinary] }

// SuppressGoAhead reports whether SGA is active in either direction (once
// negotiated it is treated as bidirectional, per RFC 858).
func (f *Framer) SuppressGoAhead() bool { return f.local[OptSGA] || f.remote[OptSGA] }

// ServerEcho reports whether we are echoing input for the peer.
func (f *Framer) ServerEcho() bool { return f.local[OptEcho] }

// LineMode derives the RFC 854 default: character-at-a-time whenever SGA is
// active, line-at-a-time otherwise. There is no LINEMODE (RFC 1184)
// negotiation in this bridge, so the derivation is exactly this boolean.
func (f *Framer) LineMode() bool { return !f.SuppressGoAhead() }

// Feed consumes raw bytes off the wire, returning the user-data payload
// (IAC sequences stripped and unescaped) and any outgoing negotiation
// reply that must be written back to the peer. A sequence split across two
// Feed calls resumes correctly: the state machine carries across calls, so
// a call ending mid-IAC returns zero user bytes for the trailing fragment
// rather than erroring.
func (f *Framer) Feed(in []byte) (userData []byte, reply []byte) {
	out := make([]byte, 0, len(in))
	f.pending = f.pending[:0]

	for _, b := range in {
		switch f.st {
		case stateData:
			if b == IAC {
				f.st = stateIAC
			} else {
				out = append(out, b)
			}

		case stateIAC:
			switch b {
			case IAC:
				out = append(out, 0xFF)
				f.st = stateData
			case WILL:
				f.st = stateWill
			case WONT:
				f.st = stateWont
			case DO:
				f.st = stateDo
			case DONT:
				f.st = stateDont
			case SB:
				f.st = stateSB
				f.sbBuf = f.sbBuf[:0]
			default:
				// NOP, AYT, BRK, and friends: consumed, no reply.
				f.st = stateData
			}

		case stateWill:
			f.handleWill(b)
			f.st = stateData
		case stateWont:
			f.handleWont(b)
			f.st = stateData
		case stateDo:
			f.handleDo(b)
			f.st = stateData
		case stateDont:
			f.handleDont(b)
			f.st = stateData

		case stateSB:
			if b == IAC {
				f.st = stateSBIAC
			} else if len(f.sbBuf) < maxSubnegotiationLen {
				f.sbBuf = append(f.sbBuf, b)
			}
			// overflow: further bytes silently dropped until SE

		case stateSBIAC:
			if b == SE {
				// subnegotiation discarded wholesale: no handler consumes sbBuf
				f.st = stateData
			} else {
				if len(f.sbBuf) < maxSubnegotiationLen {
					f.sbBuf = append(f.sbBuf, b)
				}
				f.st = stateSB
			}
		}
	}

	return out, append([]byte(nil), f.pending...)
}

func (f *Framer) handleWill(opt byte) {
	if !isKnownOption(opt) {
		f.pending = append(f.pending, IAC, DONT, opt)
		return
	}
	if !f.remote[opt] {
		f.remote[opt] = true
		f.pending = append(f.pending, IAC, DO, opt)
	}
}

func (f *Framer) handleWont(opt byte) {
	if opt == OptBinary {
		f.warn("peer refused BINARY: multibyte sequences may be mangled without 8-bit transparency")
	}
	if isKnownOption(opt) && f.remote[opt] {
		f.remote[opt] = false
		f.pending = append(f.pending, IAC, DONT, opt)
	}
}

func (f *Framer) handleDo(opt byte) {
	if !isKnownOption(opt) {
		f.pending = append(f.pending, IAC, WONT, opt)
		return
	}
	if !f.local[opt] {
		f.local[opt] = true
		f.pending = append(f.pending, IAC, WILL, opt)
	}
}

func (f *Framer) handleDont(opt byte) {
	if opt == OptBinary {
		f.warn("peer disabled outbound BINARY: multibyte sequences may be mangled without 8-bit transparency")
	}
	if isKnownOption(opt) && f.local[opt] {
		f.local[opt] = false
		f.pending = append(f.pending, IAC, WONT, opt)
	}
}

func (f *Framer) warn(msg string) {
	if f.Warn != nil {
		f.Warn(msg)
	}
}

func isKnownOption(opt byte) bool {
	return opt == OptBinary || opt == OptEcho || opt == OptSGA
}

// Encode escapes 0xFF bytes in outgoing user data so they survive IAC
// framing unmolested.
func Encode(data []byte) []byte {
	if bytes.IndexByte(data, IAC) == -1 {
		return data
	}
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}
