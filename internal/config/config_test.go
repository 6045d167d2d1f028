package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/onionmixer/modembridge/internal/serial"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "modembridge.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesRecognizedKeys(t *testing.T) {
	path := writeConfig(t, `
# a comment
SERIAL_PORT=/dev/ttyS0
BAUDRATE=19200
BIT_PARITY=EVEN
FLOW=HARDWARE
TELNET_HOST=bbs.example.com
TELNET_PORT=2323
MODEM_INIT_COMMAND=ATZ;ATE0
`)
	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS0", cfg.SerialPort)
	require.Equal(t, 19200, cfg.BaudRate)
	require.Equal(t, serial.ParityEven, cfg.Parity)
	require.Equal(t, serial.FlowHardware, cfg.Flow)
	require.Equal(t, "bbs.example.com:2323", cfg.TelnetAddr())
	require.Equal(t, []string{"ATZ", "ATE0"}, cfg.ModemInitCommand)
}

func TestLoadDefaultsUnspecifiedKeys(t *testing.T) {
	path := writeConfig(t, "TELNET_HOST=localhost\n")
	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	require.Equal(t, 9600, cfg.BaudRate)
	require.Equal(t, 23, cfg.TelnetPort)
}

func TestLoadRejectsBadBaud(t *testing.T) {
	path := writeConfig(t, "TELNET_HOST=localhost\nBAUDRATE=1234\n")
	_, err := Load(path, testLogger())
	require.Error(t, err)
}

func TestLoadRejectsAutoanswerContainingH0(t *testing.T) {
	path := writeConfig(t, "TELNET_HOST=localhost\nMODEM_AUTOANSWER_COMMAND=ATH0\n")
	_, err := Load(path, testLogger())
	require.Error(t, err)
}

func TestLoadRequiresTelnetHost(t *testing.T) {
	path := writeConfig(t, "BAUDRATE=9600\n")
	_, err := Load(path, testLogger())
	require.Error(t, err)
}

func TestDeprecatedModemCommandIgnoredNotFatal(t *testing.T) {
	path := writeConfig(t, "TELNET_HOST=localhost\nMODEM_COMMAND=ATZ\n")
	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	require.Nil(t, cfg.ModemInitCommand)
}

func TestUnknownKeyIgnoredNotFatal(t *testing.T) {
	path := writeConfig(t, "TELNET_HOST=localhost\nSOME_FUTURE_KEY=1\n")
	_, err := Load(path, testLogger())
	require.NoError(t, err)
}
