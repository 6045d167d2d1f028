// Package config parses the flat key=value configuration file the bridge
// reads at startup. No pack repo ships a key=value (as opposed to
// YAML/TOML/INI) parser as a dependency, so this is implemented directly
// with stdlib bufio/strings; unknown keys are logged and ignored through
// the injected logger rather than a package-global one.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/onionmixer/modembridge/internal/serial"
)

// Config is the immutable, fully-validated configuration. Callers treat
// it as read-only after Load returns.
type Config struct {
	SerialPort string
	BaudRate   int
	Parity     serial.Parity
	DataBits   int
	StopBits   int
	Flow       serial.FlowControl

	ModemInitCommand       []string
	ModemAutoanswerCommand []string

	TelnetHost string
	TelnetPort int

	DataLogEnabled bool
	DataLogFile    string
}

var validBauds = map[int]bool{
	300: true, 1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true, 230400: true,
}

// Default returns the documented defaults, used as the starting point
// before applying the file's keys.
func Default() Config {
	return Config{
		SerialPort: "/dev/ttyUSB0",
		BaudRate:   9600,
		Parity:     serial.ParityNone,
		DataBits:   8,
		StopBits:   1,
		Flow:       serial.FlowNone,
		TelnetPort: 23,
		DataLogFile: "modembridge.log",
	}
}

// Load reads path, applies recognized keys over Default(), and validates
// the result. Unknown keys are logged (via log) and ignored, not fatal.
// MODEM_COMMAND is recognized but only logged as deprecated: only
// MODEM_INIT_COMMAND/MODEM_AUTOANSWER_COMMAND take effect.
func Load(path string, log *logrus.Logger) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	entry := log.WithField("component", "config")

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitKV(line)
		if !ok {
			entry.WithField("line", lineNo).Warnf("malformed config line ignored: %q", line)
			continue
		}
		if err := cfg.apply(key, value, entry); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) apply(key, value string, log *logrus.Entry) error {
	switch key {
	case "SERIAL_PORT":
		c.SerialPort = value
	case "BAUDRATE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("BAUDRATE: %w", err)
		}
		c.BaudRate = n
	case "BIT_PARITY":
		switch strings.ToUpper(value) {
		case "NONE":
			c.Parity = serial.ParityNone
		case "EVEN":
			c.Parity = serial.ParityEven
		case "ODD":
			c.Parity = serial.ParityOdd
		default:
			return fmt.Errorf("BIT_PARITY: unrecognized value %q", value)
		}
	case "BIT_DATA":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("BIT_DATA: %w", err)
		}
		c.DataBits = n
	case "BIT_STOP":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("BIT_STOP: %w", err)
		}
		c.StopBits = n
	case "FLOW":
		switch strings.ToUpper(value) {
		case "NONE":
			c.Flow = serial.FlowNone
		case "SOFTWARE":
			c.Flow = serial.FlowSoftware
		case "HARDWARE":
			c.Flow = serial.FlowHardware
		case "BOTH":
			c.Flow = serial.FlowBoth
		default:
			return fmt.Errorf("FLOW: unrecognized value %q", value)
		}
	case "MODEM_INIT_COMMAND":
		c.ModemInitCommand = splitCommands(value)
	case "MODEM_AUTOANSWER_COMMAND":
		if strings.Contains(strings.ToUpper(value), "H0") {
			return fmt.Errorf("MODEM_AUTOANSWER_COMMAND must not contain H0")
		}
		c.ModemAutoanswerCommand = splitCommands(value)
	case "MODEM_COMMAND":
		log.Warn("MODEM_COMMAND is deprecated and ignored; use MODEM_INIT_COMMAND/MODEM_AUTOANSWER_COMMAND")
	case "TELNET_HOST":
		c.TelnetHost = value
	case "TELNET_PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("TELNET_PORT: %w", err)
		}
		c.TelnetPort = n
	case "DATA_LOG_ENABLED":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("DATA_LOG_ENABLED: %w", err)
		}
		c.DataLogEnabled = b
	case "DATA_LOG_FILE":
		c.DataLogFile = value
	default:
		log.WithField("key", key).Warn("unknown config key ignored")
	}
	return nil
}

func splitCommands(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if !validBauds[c.BaudRate] {
		return fmt.Errorf("BAUDRATE %d is not one of the supported rates", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("BIT_DATA %d out of range 5..8", c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("BIT_STOP %d must be 1 or 2", c.StopBits)
	}
	if c.TelnetHost == "" {
		return fmt.Errorf("TELNET_HOST is required")
	}
	if c.TelnetPort < 1 || c.TelnetPort > 65535 {
		return fmt.Errorf("TELNET_PORT %d out of range 1..65535", c.TelnetPort)
	}
	return nil
}

// LineParams converts the validated config into the serial.LineParams the
// endpoint's Open wants.
func (c *Config) LineParams() serial.LineParams {
	return serial.LineParams{
		Baud:     c.BaudRate,
		Parity:   c.Parity,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Flow:     c.Flow,
	}
}

// TelnetAddr formats host:port for net.Dial.
func (c *Config) TelnetAddr() string {
	return fmt.Sprintf("%s:%d", c.TelnetHost, c.TelnetPort)
}
