package pipeline

import "github.com/onionmixer/modembridge/internal/modemerr"

// Flow-control signals, not failures: WOULD_BLOCK/PARTIAL are normal
// scheduler signals, and OVERFLOW is a counted drop, not a surfaced error
// unless consecutive overflows pile up.
var (
	ErrWouldBlock = modemerr.New(modemerr.WouldBlock)
	ErrPartial    = modemerr.New(modemerr.Partial)
	ErrOverflow   = modemerr.New(modemerr.Overflow)
)
