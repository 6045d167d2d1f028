// Package ansifilter is an opaque byte-in/byte-out CSI cursor-code filter:
// cursor-movement finals (A,B,C,D,H,f) and erase finals (J,K) are
// suppressed; SGR (m) and everything else passes through unchanged.
package ansifilter

const (
	esc byte = 0x1B
	csi byte = '['
)

var suppressedFinals = map[byte]bool{
	'A': true, 'B': true, 'C': true, 'D': true,
	'H': true, 'f': true,
	'J': true, 'K': true,
}

type scanState int

const (
	stateText scanState = iota
	stateEsc
	stateCSI
)

// Filter strips recognized CSI sequences from a byte stream while passing
// everything else through untouched, including SGR sequences. It carries
// state across Feed calls so a sequence split across reads is handled
// correctly.
type Filter struct {
	st   scanState
	seq  []byte // ESC + '[' + params accumulated so far, for pass-through
}

// New returns a Filter with no carried state.
func New() *Filter { return &Filter{} }

// Feed consumes raw bytes and returns the subset that should pass through.
func (f *Filter) Feed(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch f.st {
		case stateText:
			if b == esc {
				f.st = stateEsc
				f.seq = append(f.seq[:0], b)
				continue
			}
			out = append(out, b)

		case stateEsc:
			if b == csi {
				f.st = stateCSI
				f.seq = append(f.seq, b)
				continue
			}
			// Not a CSI sequence: emit the escape byte and this one
			// verbatim and resume scanning plain text.
			f.st = stateText
			out = append(out, f.seq...)
			out = append(out, b)
			f.seq = f.seq[:0]

		case stateCSI:
			f.seq = append(f.seq, b)
			if isFinalByte(b) {
				f.st = stateText
				if !suppressedFinals[b] {
					out = append(out, f.seq...)
				}
				f.seq = f.seq[:0]
			}
		}
	}
	return out
}

func isFinalByte(b byte) bool {
	return b >= 0x40 && b <= 0x7E
}
