package serial

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

// ioctl request numbers for the Linux termios/tty surface this package
// drives, limited to the subset internal/serial and its PTY-backed tests
// actually exercise: RS485, the legacy struct serial_struct, and the
// pgrp/session/exclusive-open ioctls are out of scope for a modem bridge.
var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcsbrk = uintptr(0x5409)
	tcflsh = uintptr(0x540B)
	tcxonc = uintptr(0x540A)

	tiocmget = uintptr(0x5415) // get modem line status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
	tiocmset = uintptr(0x5418) // set status

	tiocgptn    = ioctl.IOR('T', 0x30, unsafe.Sizeof(uint32(0)))
	tiocsptlck  = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))
	tiocgptpeer = ioctl.IO('T', 0x41)
)
