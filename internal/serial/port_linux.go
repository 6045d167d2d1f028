// Package serial owns the raw POSIX tty file descriptor used by the
// bridge. Port (this file) covers raw fd semantics: the ioctl-based
// termios accessors (GetAttr/SetAttr/GetAttr2/SetAttr2), the modem-line
// bitmask and its toggles, and timeout-bounded reads. Endpoint (in
// endpoint.go) builds the bridge-facing behavior on top: the lock-file
// lifecycle, the 100ms-bounded select read, write-with-retry, and the
// carrier-aware baud/flow/DCD state.
package serial

import (
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
)

type Termios struct {
	Iflag IFlag      /* input mode flags */
	Oflag OFlag      /* output mode flags */
	Cflag CFlag      /* control mode flags */
	Lflag LFlag      /* local mode flags */
	Line  Discipline /* line discipline */
	Cc    [19]byte   /* control characters */
}

type Termios2 struct {
	Iflag  IFlag      /* input mode flags */
	Oflag  OFlag      /* output mode flags */
	Cflag  CFlag      /* control mode flags */
	Lflag  LFlag      /* local mode flags */
	Line   Discipline /* line discipline */
	Cc     [19]byte   /* control characters */
	ISpeed uint32     /* input speed */
	OSpeed uint32     /* output speed */
}

// Control character indices used by Endpoint.Open when building Cc.
const (
	VMIN  = 6
	VTIME = 5
)

type IFlag uint32

const (
	IGNBRK = IFlag(0000001)
	BRKINT = IFlag(0000002)
	IGNPAR = IFlag(0000004)
	PARMRK = IFlag(0000010)
	INPCK  = IFlag(0000020)
	ISTRIP = IFlag(0000040)
	INLCR  = IFlag(0000100)
	IGNCR  = IFlag(0000200)
	ICRNL  = IFlag(0000400)
	IXON   = IFlag(0002000)
	IXANY  = IFlag(0004000)
	IXOFF  = IFlag(0010000)
)

type OFlag uint32

const (
	OPOST = OFlag(0000001)
	ONLCR = OFlag(0000004)
	OCRNL = OFlag(0000010)
)

type CFlag uint32

const (
	CBAUD  = CFlag(0010017)
	B0     = CFlag(0000000)
	B300   = CFlag(0000007)
	B1200  = CFlag(0000011)
	B2400  = CFlag(0000013)
	B4800  = CFlag(0000014)
	B9600  = CFlag(0000015)
	B19200 = CFlag(0000016)
	B38400 = CFlag(0000017)

	CSIZE = CFlag(0000060)
	CS5   = CFlag(0000000)
	CS6   = CFlag(0000020)
	CS7   = CFlag(0000040)
	CS8   = CFlag(0000060)

	CSTOPB = CFlag(0000100)
	CREAD  = CFlag(0000200)
	PARENB = CFlag(0000400)
	PARODD = CFlag(0001000)
	HUPCL  = CFlag(0002000)
	CLOCAL = CFlag(0004000)

	CBAUDEX = CFlag(0010000)
	BOTHER  = CFlag(0010000)

	B57600  = CFlag(0010001)
	B115200 = CFlag(0010002)
	B230400 = CFlag(0010003)

	CMSPAR  = CFlag(010000000000)
	CRTSCTS = CFlag(020000000000)
)

type LFlag uint32

const (
	ISIG   = LFlag(0000001)
	ICANON = LFlag(0000002)
	ECHO   = LFlag(0000010)
	ECHOE  = LFlag(0000020)
	ECHOK  = LFlag(0000040)
	ECHONL = LFlag(0000100)
	NOFLSH = LFlag(0000200)
	IEXTEN = LFlag(0100000)
)

type Flow uint32

const (
	TCOOFF = Flow(iota)
	TCOON
	TCIOFF
	TCION
)

type Queue uint32

const (
	TCIFLUSH = Queue(iota)
	TCOFLUSH
	TCIOFLUSH
)

type Action int

const (
	TCSANOW Action = iota
	TCSADRAIN
	TCSAFLUSH
)

type ModemLine int

const (
	TIOCM_LE  = ModemLine(0x001)
	TIOCM_DTR = ModemLine(0x002)
	TIOCM_RTS = ModemLine(0x004)
	TIOCM_CTS = ModemLine(0x020)
	TIOCM_CAR = ModemLine(0x040)
	TIOCM_CD  = TIOCM_CAR
	TIOCM_RNG = ModemLine(0x080)
	TIOCM_RI  = TIOCM_RNG
	TIOCM_DSR = ModemLine(0x100)
)

func (m ModemLine) String() string {
	flags := make([]string, 0, len(modemLineStrings))
	for i := 1; i <= int(TIOCM_DSR); i <<= 1 {
		if int(m)&i > 0 {
			if flag, ok := modemLineStrings[ModemLine(i)]; ok {
				flags = append(flags, flag)
			} else {
				flags = append(flags, fmt.Sprintf("Unknown(%x)", i))
			}
		}
	}
	return fmt.Sprintf("[%s]", strings.Join(flags, "|"))
}

var modemLineStrings = map[ModemLine]string{
	TIOCM_LE:  "LE",
	TIOCM_DTR: "DTR",
	TIOCM_RTS: "RTS",
	TIOCM_CTS: "CTS",
	TIOCM_CAR: "CAR",
	TIOCM_RNG: "RNG",
	TIOCM_DSR: "DSR",
}

type Discipline byte

const N_TTY = Discipline(0)

var ErrClosed = fmt.Errorf("port already closed")

// Port wraps a raw tty file descriptor: open/close, blocking or
// timeout-bounded read, write, and the termios/modem-line ioctls. Endpoint
// (in endpoint.go) is the bridge-facing type built on top of this.
type Port struct {
	closed atomic.Bool
	f      int
}

// OpenRaw opens path with O_RDWR|O_NOCTTY|O_NONBLOCK. Callers clear
// O_NONBLOCK once termios is applied
// (see Endpoint.Open).
func OpenRaw(path string) (*Port, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &Port{f: fd}, nil
}

func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return syscall.Write(p.f, data)
}

// ReadTimeout blocks for at most timeoutMillis using poll.WaitInput (a
// bounded select over readfds and exceptfds), returning (0, nil) on a plain
// timeout so the caller can distinguish "nothing arrived" from an error.
func (p *Port) ReadTimeout(data []byte, timeoutMillis int64) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if err := poll.WaitInput(p.f, time.Duration(timeoutMillis)*time.Millisecond); err != nil {
		if err == poll.ErrTimeout {
			return 0, nil
		}
		return 0, err
	}
	return syscall.Read(p.f, data)
}

func (p *Port) Fd() int {
	if p.closed.Load() {
		return -1
	}
	return p.f
}

func (p *Port) Close() error {
	if !p.closed.Swap(true) {
		fd := p.f
		p.f = -1
		return syscall.Close(fd)
	}
	return ErrClosed
}

func (p *Port) GetAttr() (*Termios, error) {
	attrs := &Termios{}
	if err := ioctl.Ioctl(uintptr(p.f), tcgets, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *Port) SetAttr(when Action, attrs *Termios) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

func (p *Port) GetAttr2() (*Termios2, error) {
	attrs := &Termios2{}
	if err := ioctl.Ioctl(uintptr(p.f), tcgets2, uintptr(unsafe.Pointer(attrs))); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *Port) SetAttr2(when Action, attrs *Termios2) error {
	return ioctl.Ioctl(uintptr(p.f), tcsets2+uintptr(when), uintptr(unsafe.Pointer(attrs)))
}

// Drain waits until all output written to the Port has been transmitted
// (tcdrain after a successful write_robust).
func (p *Port) Drain() error {
	return ioctl.Ioctl(uintptr(p.f), tcsbrk, 1)
}

// Flush discards pending data in the given queue (used by SetBaud, which
// must flush both directions before changing speed).
func (p *Port) Flush(queue Queue) error {
	return ioctl.Ioctl(uintptr(p.f), tcflsh, uintptr(queue))
}

func (p *Port) FlowControl(flow Flow) error {
	return ioctl.Ioctl(uintptr(p.f), tcxonc, uintptr(flow))
}

func (p *Port) MakeRaw() error {
	attrs, err := p.GetAttr()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	return p.SetAttr(TCSANOW, attrs)
}

func (p *Port) SetModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmset, uintptr(unsafe.Pointer(&line)))
}

func (p *Port) GetModemLines() (ModemLine, error) {
	var line ModemLine
	err := ioctl.Ioctl(uintptr(p.f), tiocmget, uintptr(unsafe.Pointer(&line)))
	return line, err
}

func (p *Port) EnableModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmbis, uintptr(unsafe.Pointer(&line)))
}

func (p *Port) DisableModemLines(line ModemLine) error {
	return ioctl.Ioctl(uintptr(p.f), tiocmbic, uintptr(unsafe.Pointer(&line)))
}

func (attrs *Termios) MakeRaw() {
	attrs.Iflag &= ^(IGNBRK | BRKINT | PARMRK | ISTRIP | INLCR | IGNCR | ICRNL | IXON)
	attrs.Oflag &= ^(OPOST)
	attrs.Lflag &= ^(ECHO | ECHONL | ICANON | ISIG | IEXTEN)
	attrs.Cflag &= ^(CSIZE | PARENB)
	attrs.Cflag |= CS8
}

func (attrs *Termios) SetSpeed(speed CFlag) {
	attrs.Cflag &= ^(CBAUD)
	attrs.Cflag |= speed
}
