package pipeline

import (
	"time"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

// Direction is one of the two byte-flow directions.
type Direction int

const (
	SerialToTCP Direction = iota
	TCPToSerial
	numDirections
)

func (d Direction) other() Direction {
	if d == SerialToTCP {
		return TCPToSerial
	}
	return SerialToTCP
}

// Endpoint is the narrow capability interface the pipeline drives both
// the serial side and the telnet side through this
// same contract instead of branching on file-descriptor type. TryRead/
// TryWrite return modemerr.WouldBlock when no data is currently available
// without blocking.
type Endpoint interface {
	TryRead(buf []byte) (n int, err error)
	TryWrite(data []byte) (n int, err error)
	IsHealthy() bool
	Close() error
}

// SchedulerParams configures quantum, weighting and anti-starvation.
type SchedulerParams struct {
	QuantumMS               int
	MinQuantumMS            int
	MaxQuantumMS            int
	Weight                  [2]int
	StarvationThresholdMS   int
	MaxBurst                int
	IdleBackoff             time.Duration
}

func DefaultSchedulerParams() SchedulerParams {
	return SchedulerParams{
		QuantumMS:             50,
		MinQuantumMS:          10,
		MaxQuantumMS:          200,
		Weight:                [2]int{5, 5},
		StarvationThresholdMS: 500,
		MaxBurst:              4096,
		IdleBackoff:           10 * time.Millisecond,
	}
}

// DualPipeline is the scheduler: two directions, each with
// its own EnhancedBuffer, serviced by a cooperative round-robin quantum
// with weighting and anti-starvation.
type DualPipeline struct {
	params SchedulerParams

	buffers [numDirections]*EnhancedBuffer
	source  [numDirections]Endpoint
	sink    [numDirections]Endpoint

	current        Direction
	quantumStart   time.Time
	quantumBytes   int
	quantumMS      int
	lastServicedAt [numDirections]time.Time
	latencyEMA     [numDirections]float64

	sm *StateMachine
}

// NewDualPipeline wires the serial endpoint and the telnet endpoint into
// both directions: serial is the source for SerialToTCP and the sink for
// TCPToSerial; telnet is the reverse.
func NewDualPipeline(serial, telnet Endpoint, params SchedulerParams, now time.Time) *DualPipeline {
	bp := DefaultBufferParams()
	p := &DualPipeline{
		params:       params,
		quantumStart: now,
		quantumMS:    params.QuantumMS,
		sm:           NewStateMachine(now),
	}
	p.buffers[SerialToTCP] = NewEnhancedBuffer(bp)
	p.buffers[TCPToSerial] = NewEnhancedBuffer(bp)
	p.source[SerialToTCP], p.sink[SerialToTCP] = serial, telnet
	p.source[TCPToSerial], p.sink[TCPToSerial] = telnet, serial
	p.lastServicedAt[SerialToTCP] = now
	p.lastServicedAt[TCPToSerial] = now
	return p
}

func (p *DualPipeline) StateMachine() *StateMachine { return p.sm }

func (p *DualPipeline) Buffer(d Direction) *EnhancedBuffer { return p.buffers[d] }

// starving reports whether d has waited longer than StarvationThresholdMS
// since it was last serviced and still holds undelivered bytes in its
// buffer (a stalled sink). It exists to force a switch mid-quantum; a
// direction whose buffer is empty is picked up by the unconditional
// round-robin rotation at quantum expiry instead, since the scheduler
// cannot observe an unserviced source without reading ahead.
func (p *DualPipeline) starving(d Direction, now time.Time) bool {
	elapsed := now.Sub(p.lastServicedAt[d]).Milliseconds()
	if elapsed <= int64(p.params.StarvationThresholdMS) {
		return false
	}
	return p.buffers[d].Stats().Fill > 0
}

// adaptQuantum implements the EMA-driven quantum rule.
func (p *DualPipeline) adaptQuantum() {
	max := p.latencyEMA[SerialToTCP]
	if p.latencyEMA[TCPToSerial] > max {
		max = p.latencyEMA[TCPToSerial]
	}
	switch {
	case max > 50:
		p.quantumMS = int(float64(p.quantumMS) * 0.8)
	case max < 10:
		p.quantumMS = int(float64(p.quantumMS) * 1.2)
	}
	if p.quantumMS < p.params.MinQuantumMS {
		p.quantumMS = p.params.MinQuantumMS
	}
	if p.quantumMS > p.params.MaxQuantumMS {
		p.quantumMS = p.params.MaxQuantumMS
	}
}

// effectiveQuantumMS scales the shared quantum by d's weight relative to
// the two directions' total, so a 7/3 weighting grants the heavier
// direction a proportionally longer turn.
func (p *DualPipeline) effectiveQuantumMS(d Direction) int64 {
	total := p.params.Weight[SerialToTCP] + p.params.Weight[TCPToSerial]
	if total <= 0 {
		return int64(p.quantumMS)
	}
	return int64(p.quantumMS) * 2 * int64(p.params.Weight[d]) / int64(total)
}

// Tick runs one scheduler iteration of the control loop. It
// returns the number of bytes moved this tick (used by the caller to decide
// whether to apply IdleBackoff) and any unrecoverable endpoint error.
func (p *DualPipeline) Tick(now time.Time) (movedTotal int, err error) {
	elapsed := now.Sub(p.quantumStart).Milliseconds()
	quantumExpired := elapsed >= p.effectiveQuantumMS(p.current) || p.quantumBytes >= p.params.MaxBurst

	other := p.current.other()
	if quantumExpired {
		// The quantum ending for any reason (time or byte budget) hands
		// the turn to the other direction. The opposite direction's source
		// is only ever read while it is current, so a byte-cap expiry that
		// stayed put would let a saturated source starve the other leg
		// forever.
		p.current = other
		p.quantumStart = now
		p.quantumBytes = 0
		p.adaptQuantum()
	} else if p.starving(other, now) {
		// Starvation forces a switch regardless of quantum.
		p.current = other
		p.quantumStart = now
		p.quantumBytes = 0
	}

	d := p.current
	moved, derr := p.service(d, now)
	movedTotal += moved
	if derr != nil && modemerr.KindOf(derr) != modemerr.WouldBlock {
		return movedTotal, derr
	}
	if moved > 0 {
		p.lastServicedAt[d] = now
		p.quantumBytes += moved
	}

	for _, buf := range p.buffers {
		buf.MaybeResize(now)
	}

	return movedTotal, nil
}

// service pulls up to MaxBurst bytes from d's source into its buffer, then
// pushes as much as possible from the buffer into d's sink, updating the
// latency EMA for d. moved counts each byte once on its way through the
// leg (max of pulled and pushed: a byte pushed this tick is either one
// just pulled or backlog from an earlier tick), so a single full burst
// consumes exactly one MaxBurst of quantum budget, not two.
func (p *DualPipeline) service(d Direction, now time.Time) (moved int, err error) {
	buf := p.buffers[d]
	src := p.source[d]
	dst := p.sink[d]

	start := now
	pulled, pushed := 0, 0

	readBuf := make([]byte, p.params.MaxBurst)
	n, rerr := src.TryRead(readBuf)
	if n > 0 {
		written, werr := buf.Write(readBuf[:n])
		pulled += written
		if werr != nil && modemerr.KindOf(werr) == modemerr.Overflow {
			// Counted inside Write; not fatal to the tick.
		}
	}
	if rerr != nil && modemerr.KindOf(rerr) != modemerr.WouldBlock {
		return pulled, rerr
	}

	drainBuf := make([]byte, p.params.MaxBurst)
	for {
		r := buf.Read(drainBuf)
		if r == 0 {
			break
		}
		w, werr := dst.TryWrite(drainBuf[:r])
		pushed += w
		if w < r {
			// TryWrite only accepted a prefix (WouldBlock/Partial or a
			// short write alongside a nil error): give the unconsumed
			// suffix back to the buffer instead of dropping it, and
			// retry on a later tick.
			buf.Unread(r - w)
		}
		if werr != nil {
			kind := modemerr.KindOf(werr)
			if kind != modemerr.WouldBlock && kind != modemerr.Partial {
				return maxInt(pulled, pushed), werr
			}
		}
		if w < r {
			break
		}
	}

	moved = maxInt(pulled, pushed)
	if moved > 0 {
		sample := float64(time.Since(start).Milliseconds())
		const alpha = 0.1
		p.latencyEMA[d] = alpha*sample + (1-alpha)*p.latencyEMA[d]
	}
	return moved, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
