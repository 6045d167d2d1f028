package serial

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// OpenPTY opens a fresh pseudoterminal pair via /dev/ptmx. It backs
// endpoint_test.go: tests drive the slave end as a stand-in serial line
// without needing real hardware. slavePath is returned alongside the slave
// Port so callers (tests, mainly) can reopen it through Endpoint.Open the
// same way a real tty device path would be used.
func OpenPTY(termp *Termios) (master, slave *Port, slavePath string, err error) {
	master, err = OpenRaw("/dev/ptmx")
	if err != nil {
		return nil, nil, "", err
	}

	var ptn uint32
	if err = ioctl.Ioctl(uintptr(master.f), tiocgptn, uintptr(unsafe.Pointer(&ptn))); err != nil {
		master.Close()
		return nil, nil, "", err
	}

	var lock int32
	if err = ioctl.Ioctl(uintptr(master.f), tiocsptlck, uintptr(unsafe.Pointer(&lock))); err != nil {
		master.Close()
		return nil, nil, "", err
	}

	slavePath = fmt.Sprintf("/dev/pts/%d", ptn)
	slave, err = OpenRaw(slavePath)
	if err != nil {
		master.Close()
		return nil, nil, "", err
	}

	if termp != nil {
		if err = slave.SetAttr(TCSANOW, termp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, "", err
		}
	}

	return master, slave, slavePath, nil
}
