package serial

import (
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/onionmixer/modembridge/internal/locker"
	"github.com/onionmixer/modembridge/internal/modemerr"
)

// Parity, DataBits, StopBits and FlowControl mirror the configuration
// file's enums.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
	FlowBoth
)

// LineParams is the line configuration passed to Open.
type LineParams struct {
	Baud     int
	Parity   Parity
	DataBits int // 5..8
	StopBits int // 1 or 2
	Flow     FlowControl
}

var baudToCflag = map[int]CFlag{
	300:    B300,
	1200:   B1200,
	2400:   B2400,
	4800:   B4800,
	9600:   B9600,
	19200:  B19200,
	38400:  B38400,
	57600:  B57600,
	115200: B115200,
	230400: B230400,
}

// Endpoint is the serial-side half of the bridge: owns the fd, the saved
// original termios for restore, current baud, observed DCD state, and the
// lock-file handle. Invariant: isOpen ⇒ fd ≥ 0 ∧ lock held.
type Endpoint struct {
	mu sync.Mutex

	log  *logrus.Entry
	path string

	port     *Port
	lock     *locker.Lock
	original *Termios

	baud         int
	carrierOn    bool
	lineBuf      []byte // line-reassembly buffer, owned here
	readDeadline time.Duration
}

// NewEndpoint constructs an unopened Endpoint bound to the given logger.
func NewEndpoint(log *logrus.Logger) *Endpoint {
	return &Endpoint{
		log:          log.WithField("component", "serial"),
		readDeadline: 100 * time.Millisecond,
		lineBuf:      make([]byte, 0, 256),
	}
}

// Open acquires the device lock, opens the tty, and applies line_params:
// raw input, OPOST+ONLCR output, the requested data bits (CS8 by
// default)|CREAD|HUPCL|CLOCAL (carrier ignored during bring-up), no
// parity, 1 stop bit by default, the requested
// baud, VMIN=1/VTIME=0, then clears O_NONBLOCK.
func (e *Endpoint) Open(path string, params LineParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		return modemerr.New(modemerr.InvalidState)
	}

	lock, err := locker.Acquire(path)
	if err != nil {
		return err
	}

	port, err := OpenRaw(path)
	if err != nil {
		lock.Release()
		return modemerr.WrapSyscall(modemerr.IO, "open", err)
	}

	original, err := port.GetAttr()
	if err != nil {
		port.Close()
		lock.Release()
		return modemerr.WrapSyscall(modemerr.IO, "tcgetattr", err)
	}

	attrs := *original
	attrs.MakeRaw()
	attrs.Oflag |= OPOST | ONLCR
	attrs.Cflag &^= CSIZE | PARENB | PARODD | CSTOPB
	attrs.Cflag |= CREAD | HUPCL | CLOCAL
	if err := applyDataBits(&attrs, params.DataBits); err != nil {
		port.Close()
		lock.Release()
		return err
	}
	if params.StopBits == 2 {
		attrs.Cflag |= CSTOPB
	}
	switch params.Parity {
	case ParityEven:
		attrs.Cflag |= PARENB
	case ParityOdd:
		attrs.Cflag |= PARENB | PARODD
	}
	cflag, ok := baudToCflag[params.Baud]
	if !ok {
		port.Close()
		lock.Release()
		return modemerr.New(modemerr.InvalidArg)
	}
	attrs.SetSpeed(cflag)
	attrs.Cc[VMIN] = 1
	attrs.Cc[VTIME] = 0

	if err := port.SetAttr(TCSANOW, &attrs); err != nil {
		port.Close()
		lock.Release()
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}

	if err := clearNonblock(port.Fd()); err != nil {
		port.Close()
		lock.Release()
		return modemerr.WrapSyscall(modemerr.IO, "fcntl", err)
	}

	if params.Flow == FlowHardware || params.Flow == FlowBoth {
		attrs.Cflag |= CRTSCTS
		port.SetAttr(TCSANOW, &attrs)
	}
	if params.Flow == FlowSoftware || params.Flow == FlowBoth {
		attrs.Iflag |= IXON | IXOFF
		port.SetAttr(TCSANOW, &attrs)
	}

	e.path = path
	e.port = port
	e.lock = lock
	e.original = original
	e.baud = params.Baud
	e.log.WithField("path", path).WithField("baud", params.Baud).Info("serial endpoint opened")
	return nil
}

// Close restores the original termios, closes the fd, and releases the
// lock, in that order: lock acquisition happens before open in the
// caller; unlocking happens after close.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Endpoint) closeLocked() error {
	if e.port == nil {
		return nil
	}
	if e.original != nil {
		e.port.SetAttr(TCSADRAIN, e.original)
	}
	closeErr := e.port.Close()
	lockErr := e.lock.Release()
	e.port = nil
	e.lock = nil
	if closeErr != nil {
		return modemerr.WrapSyscall(modemerr.IO, "close", closeErr)
	}
	return lockErr
}

// Read wraps a select-backed read with a 100ms timeout in both readfds and
// exceptfds. Returns (0, nil) on timeout, a Hangup error on
// exception or EPIPE/ECONNRESET, otherwise the byte count. Never blocks
// longer than 100ms.
func (e *Endpoint) Read(buf []byte) (int, error) {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return 0, modemerr.New(modemerr.InvalidState)
	}

	n, err := port.ReadTimeout(buf, e.readDeadline.Milliseconds())
	if err != nil {
		if err == syscall.EPIPE || err == syscall.ECONNRESET {
			return 0, modemerr.New(modemerr.Hangup)
		}
		return 0, modemerr.WrapSyscall(modemerr.IO, "read", err)
	}
	if n == 0 {
		// select() reported readable but read() returned EOF. VMIN=1
		// makes this rare on a live tty; report it like a timeout and
		// let the caller's carrier check catch a real disconnect.
		return 0, nil
	}
	return n, nil
}

// WriteRobust verifies carrier (unless CLOCAL bring-up is still in effect),
// retries up to 3x with 100ms backoff on EAGAIN, and calls tcdrain on
// success. Returns Hangup on EPIPE/ECONNRESET.
func (e *Endpoint) WriteRobust(buf []byte) (int, error) {
	e.mu.Lock()
	port := e.port
	checkCarrier := e.carrierOn
	e.mu.Unlock()
	if port == nil {
		return 0, modemerr.New(modemerr.InvalidState)
	}

	if checkCarrier {
		up, err := e.CheckCarrier()
		if err != nil {
			return 0, err
		}
		if !up {
			return 0, modemerr.New(modemerr.Hangup)
		}
	}

	written := 0
	remaining := buf
	for attempt := 0; attempt < 3 && len(remaining) > 0; attempt++ {
		n, err := port.Write(remaining)
		if err != nil {
			if err == syscall.EAGAIN {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if err == syscall.EPIPE || err == syscall.ECONNRESET {
				return written, modemerr.New(modemerr.Hangup)
			}
			return written, modemerr.WrapSyscall(modemerr.IO, "write", err)
		}
		written += n
		remaining = remaining[n:]
	}
	if len(remaining) > 0 {
		return written, modemerr.WrapSyscall(modemerr.IO, "write", syscall.EAGAIN)
	}
	if err := port.Drain(); err != nil {
		e.log.WithError(err).Warn("tcdrain failed after write")
	}
	return written, nil
}

// SetBaud flushes both directions, applies the new speed via TCSADRAIN, and
// waits 100ms for the line to settle.
func (e *Endpoint) SetBaud(speed int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return modemerr.New(modemerr.InvalidState)
	}
	cflag, ok := baudToCflag[speed]
	if !ok {
		return modemerr.New(modemerr.InvalidArg)
	}
	e.port.Flush(TCIOFLUSH)
	attrs, err := e.port.GetAttr()
	if err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcgetattr", err)
	}
	attrs.SetSpeed(cflag)
	if err := e.port.SetAttr(TCSADRAIN, attrs); err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}
	time.Sleep(100 * time.Millisecond)
	e.baud = speed
	return nil
}

// GetBaud reports the currently configured baud rate.
func (e *Endpoint) GetBaud() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baud
}

// EnableCarrierDetect clears CLOCAL (so DCD loss is observed) and enables
// RTS/CTS hardware flow control.
func (e *Endpoint) EnableCarrierDetect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return modemerr.New(modemerr.InvalidState)
	}
	attrs, err := e.port.GetAttr()
	if err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcgetattr", err)
	}
	attrs.Cflag &^= CLOCAL
	attrs.Cflag |= CRTSCTS
	if err := e.port.SetAttr(TCSANOW, attrs); err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}
	e.carrierOn = true
	return nil
}

// DisableCarrierDetect sets CLOCAL (ignore modem control lines) and drops
// RTS/CTS flow control.
func (e *Endpoint) DisableCarrierDetect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return modemerr.New(modemerr.InvalidState)
	}
	attrs, err := e.port.GetAttr()
	if err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcgetattr", err)
	}
	attrs.Cflag |= CLOCAL
	attrs.Cflag &^= CRTSCTS
	if err := e.port.SetAttr(TCSANOW, attrs); err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}
	e.carrierOn = false
	return nil
}

// CheckCarrier reads DCD from the modem status lines.
func (e *Endpoint) CheckCarrier() (bool, error) {
	e.mu.Lock()
	port := e.port
	e.mu.Unlock()
	if port == nil {
		return false, modemerr.New(modemerr.InvalidState)
	}
	lines, err := port.GetModemLines()
	if err != nil {
		return false, modemerr.WrapSyscall(modemerr.IO, "tiocmget", err)
	}
	return lines&TIOCM_CAR != 0, nil
}

// DtrDropHangup drops DTR by briefly setting line speed to B0, waits 1s,
// then restores the previous speed.
func (e *Endpoint) DtrDropHangup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return modemerr.New(modemerr.InvalidState)
	}
	attrs, err := e.port.GetAttr()
	if err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcgetattr", err)
	}
	saved := attrs.Cflag & CBAUD
	attrs.Cflag &^= CBAUD
	attrs.Cflag |= B0
	if err := e.port.SetAttr(TCSANOW, attrs); err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}
	time.Sleep(1 * time.Second)
	attrs.Cflag &^= CBAUD
	attrs.Cflag |= saved
	if err := e.port.SetAttr(TCSANOW, attrs); err != nil {
		return modemerr.WrapSyscall(modemerr.IO, "tcsetattr", err)
	}
	return nil
}

// IsHealthy reports whether the endpoint currently holds an open fd,
// satisfying the pipeline's narrow Endpoint capability interface.
func (e *Endpoint) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port != nil
}

func applyDataBits(attrs *Termios, bits int) error {
	switch bits {
	case 5:
		attrs.Cflag |= CS5
	case 6:
		attrs.Cflag |= CS6
	case 7:
		attrs.Cflag |= CS7
	case 0, 8:
		attrs.Cflag |= CS8
	default:
		return modemerr.New(modemerr.InvalidArg)
	}
	return nil
}

func clearNonblock(fd int) error {
	cur, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, cur&^unix.O_NONBLOCK)
	return err
}
