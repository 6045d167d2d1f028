// Package health produces a four-field report: serial
// port accessibility, serial init result with applied line params, modem AT
// responsiveness, and TCP reachability, each tagged {OK, WARNING, ERROR}
// with a short message. Each field doubles as a Prometheus gauge so the
// report is both human-readable and scrapeable.
package health

import (
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onionmixer/modembridge/internal/modem"
	"github.com/onionmixer/modembridge/internal/serial"
)

// Status is one of the three report levels.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is one line of the report.
type Field struct {
	Status  Status
	Message string
}

// Report is the four-field health document.
type Report struct {
	SerialAccessible Field
	SerialInit       Field
	ModemResponsive  Field
	TelnetReachable  Field
}

// gaugeValue maps Status onto the 0/1/2 scale the Prometheus gauge exports.
func gaugeValue(s Status) float64 { return float64(s) }

// Gauges holds the Prometheus gauge vector backing the report, one gauge
// per field, labelled by field name so a single metric family covers all
// four.
type Gauges struct {
	vec *prometheus.GaugeVec
}

// NewGauges registers the gauge vector against reg. Pass
// prometheus.DefaultRegisterer unless a test needs an isolated registry.
func NewGauges(reg prometheus.Registerer) *Gauges {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modembridge",
		Subsystem: "health",
		Name:      "field_status",
		Help:      "Health field status: 0=OK, 1=WARNING, 2=ERROR.",
	}, []string{"field"})
	if reg != nil {
		reg.MustRegister(vec)
	}
	return &Gauges{vec: vec}
}

// Observe exports r's four fields as gauge samples.
func (g *Gauges) Observe(r Report) {
	if g == nil {
		return
	}
	g.vec.WithLabelValues("serial_accessible").Set(gaugeValue(r.SerialAccessible.Status))
	g.vec.WithLabelValues("serial_init").Set(gaugeValue(r.SerialInit.Status))
	g.vec.WithLabelValues("modem_responsive").Set(gaugeValue(r.ModemResponsive.Status))
	g.vec.WithLabelValues("telnet_reachable").Set(gaugeValue(r.TelnetReachable.Status))
}

// CheckSerialAccessible reports whether path exists and is statable,
// without opening it (that would contend with a live Endpoint).
func CheckSerialAccessible(path string) Field {
	info, err := os.Stat(path)
	if err != nil {
		return Field{Status: StatusError, Message: err.Error()}
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return Field{Status: StatusWarning, Message: path + " is not a character device"}
	}
	return Field{Status: StatusOK, Message: path + " accessible"}
}

// CheckSerialInit reflects whether the endpoint currently holds an open fd
// with the requested line params applied.
func CheckSerialInit(ep *serial.Endpoint, wantBaud int) Field {
	if ep == nil || !ep.IsHealthy() {
		return Field{Status: StatusError, Message: "serial endpoint not open"}
	}
	if got := ep.GetBaud(); got != wantBaud {
		return Field{Status: StatusWarning, Message: "baud mismatch after init"}
	}
	return Field{Status: StatusOK, Message: "serial line initialized"}
}

// CheckModemResponsive sends a bare "AT" line through m.ProcessLine and
// confirms it yields OK (not ERROR). This never touches the wire; it is a
// local sanity check of the emulator's own state, not a round trip to
// hardware.
func CheckModemResponsive(m *modem.Modem) Field {
	if m == nil {
		return Field{Status: StatusError, Message: "modem not constructed"}
	}
	if m.State() != modem.StateCommand {
		return Field{Status: StatusWarning, Message: "modem not in COMMAND mode, cannot probe"}
	}
	out := m.ProcessLine("AT")
	if containsError(out.Response) {
		return Field{Status: StatusError, Message: "modem returned ERROR to bare AT"}
	}
	return Field{Status: StatusOK, Message: "modem responsive"}
}

func containsError(resp []byte) bool {
	s := string(resp)
	for i := 0; i+5 <= len(s); i++ {
		if s[i:i+5] == "ERROR" {
			return true
		}
	}
	return false
}

// CheckTelnetReachable attempts a bounded TCP dial to addr without sending
// any telnet negotiation, closing the connection immediately on success.
func CheckTelnetReachable(addr string, timeout time.Duration) Field {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Field{Status: StatusError, Message: err.Error()}
	}
	conn.Close()
	return Field{Status: StatusOK, Message: addr + " reachable"}
}
