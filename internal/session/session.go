// Package session wires Serial, Modem, Telnet and DualPipeline into the
// top-level Session entity and drives its lifecycle through a small
// supervisor of goroutines: the data-plane scheduler loop, the carrier
// watcher, and the periodic health reporter all run in one errgroup so a
// first failure cancels the set.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/onionmixer/modembridge/internal/config"
	"github.com/onionmixer/modembridge/internal/datalog"
	"github.com/onionmixer/modembridge/internal/health"
	"github.com/onionmixer/modembridge/internal/modem"
	"github.com/onionmixer/modembridge/internal/modemerr"
	"github.com/onionmixer/modembridge/internal/pipeline"
	"github.com/onionmixer/modembridge/internal/serial"
	"github.com/onionmixer/modembridge/internal/telnet"
)

// Counters is the aggregate byte/error tally. Byte totals are
// read live from the pipeline's own EnhancedBuffer counters (see
// Session.Counters) rather than duplicated here; only the error tally,
// which the pipeline has no concept of, is tracked directly.
type Counters struct {
	BytesSerialToTCP uint64
	BytesTCPToSerial uint64
	Errors           uint64
}

// guardedCounters holds the live, mutex-protected Counters. It is kept
// separate from Counters itself so that Counters (returned by value from
// Snapshot/Session.Counters) never carries a lock.
type guardedCounters struct {
	mu sync.Mutex
	Counters
}

func (c *guardedCounters) addError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors++
}

// Snapshot copies the counters out under lock so callers get a consistent
// struct rather than racing reads of live fields.
func (c *guardedCounters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{BytesSerialToTCP: c.BytesSerialToTCP, BytesTCPToSerial: c.BytesTCPToSerial, Errors: c.Errors}
}

// Session is the top-level entity: it owns Serial, Telnet,
// Modem and DualPipeline, and carries the overall lifecycle state machine.
// Components hold no back-reference to Session (breaking the reference
// cycle); they report through the bounded callbacks registered here at
// construction.
type Session struct {
	ID  xid.ID
	cfg *config.Config
	log *logrus.Logger

	serial *serial.Endpoint
	modem  *modem.Modem
	conn   net.Conn
	dlog   *datalog.Logger

	pipe     *pipeline.DualPipeline
	telnetEP *telnetEndpoint

	counters    guardedCounters
	gauges      *health.Gauges
	pipeMetrics *pipeline.Metrics

	createdAt    time.Time
	lastActivity atomic64

	shutdownRequested   atomicBool
	carrierLossShutdown atomicBool
	carrierLossCount    int
}

// atomic64/atomicBool are tiny wrappers kept local to this package rather
// than reaching for sync/atomic's typed wrappers throughout: only one field
// of each kind is needed, and the access pattern is a single load/store
// pair, favoring the smallest type that does the job over a generic
// abstraction.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) set(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) get() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// New constructs a Session bound to cfg and log. The serial endpoint and
// modem are built but not yet opened/connected; call Run to bring the
// session up through its lifecycle.
func New(cfg *config.Config, log *logrus.Logger, reg prometheus.Registerer) *Session {
	s := &Session{
		ID:        xid.New(),
		cfg:       cfg,
		log:       log,
		serial:    serial.NewEndpoint(log),
		modem:     modem.New(log),
		createdAt: time.Now(),
		gauges:    health.NewGauges(reg),
		pipeMetrics: pipeline.NewMetrics(reg),
	}
	return s
}

func (s *Session) entry() *logrus.Entry {
	return s.log.WithField("session", s.ID.String())
}

// runInitCommands feeds the configured MODEM_INIT_COMMAND and
// MODEM_AUTOANSWER_COMMAND lines through the modem's own command processor
// once at startup, discarding responses (there is no serial peer listening
// yet at this point).
func (s *Session) runInitCommands() {
	for _, line := range s.cfg.ModemInitCommand {
		s.modem.ProcessLine(line)
	}
	for _, line := range s.cfg.ModemAutoanswerCommand {
		s.modem.ProcessLine(line)
	}
}

// Run brings the session through its full lifecycle: open the serial
// device, dial the TCP target, negotiate telnet, then run the data plane
// until ctx is cancelled or an unrecoverable error occurs. It returns the
// aggregated shutdown error (multierr) from every component's Close.
func (s *Session) Run(ctx context.Context) error {
	log := s.entry()
	sm := pipeline.NewStateMachine(time.Now())

	if err := sm.Transition(pipeline.StateInitializing, time.Now()); err != nil {
		return err
	}
	if err := s.serial.Open(s.cfg.SerialPort, s.cfg.LineParams()); err != nil {
		return fmt.Errorf("open serial: %w", err)
	}
	dlog, err := datalog.Open(s.cfg.DataLogFile, s.cfg.DataLogEnabled)
	if err != nil {
		return multierr.Append(fmt.Errorf("open data log: %w", err), s.serial.Close())
	}
	s.dlog = dlog
	s.runInitCommands()
	if err := sm.Transition(pipeline.StateReady, time.Now()); err != nil {
		return multierr.Append(err, s.serial.Close())
	}

	// Each iteration is one CONNECTING→NEGOTIATING→DATA_TRANSFER→FLUSHING
	// cycle against a freshly dialled TCP connection. A first carrier loss
	// re-arms back to a new attempt instead of tearing the session down;
	// the serial device stays open for the
	// whole loop, only the TCP leg is redialled. Each attempt gets its own
	// local CONNECTING/NEGOTIATING state machine (the outer sm above only
	// carries the one-time INITIALIZING→READY transition) since the fixed
	// transition matrix has no edge back from NEGOTIATING to CONNECTING.
	var runErr error
	for {
		rearm, attemptErr := s.runAttempt(ctx, log)
		if !rearm {
			runErr = attemptErr
			break
		}
		log.Info("carrier re-armed after first loss: redialling telnet target")
	}

	closeErr := s.serial.Close()
	if s.conn != nil {
		closeErr = multierr.Append(closeErr, s.conn.Close())
	}
	closeErr = multierr.Append(closeErr, s.dlog.Close())
	return multierr.Append(runErr, closeErr)
}

// runAttempt drives one CONNECTING→NEGOTIATING→DATA_TRANSFER→FLUSHING cycle.
// It reports rearm=true only when the cycle ended on the first consecutive
// carrier loss, in which case the caller loops back for a fresh attempt
// instead of returning; a second consecutive loss (or any other shutdown
// cause) returns rearm=false.
func (s *Session) runAttempt(ctx context.Context, log *logrus.Entry) (rearm bool, err error) {
	s.shutdownRequested.set(false)
	s.carrierLossShutdown.set(false)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	sm := pipeline.NewStateMachine(time.Now())
	for _, to := range []pipeline.SessionState{pipeline.StateInitializing, pipeline.StateReady} {
		sm.Transition(to, time.Now())
	}
	if err := sm.Transition(pipeline.StateConnecting, time.Now()); err != nil {
		return false, err
	}
	// CONNECTING is bounded by the S7 register (seconds), per the state
	// machine's per-state timeout table.
	dialTimeout := 30 * time.Second
	if s7, ok := s.modem.Register(7); ok && s7 > 0 {
		dialTimeout = time.Duration(s7) * time.Second
	}
	conn, derr := net.DialTimeout("tcp", s.cfg.TelnetAddr(), dialTimeout)
	if derr != nil {
		return false, fmt.Errorf("dial telnet target: %w", derr)
	}
	s.conn = conn

	if err := sm.Transition(pipeline.StateNegotiating, time.Now()); err != nil {
		return false, err
	}

	framer := newFramer()
	if _, werr := s.conn.Write(framer.InitialNegotiation()); werr != nil {
		return false, fmt.Errorf("send initial telnet negotiation: %w", werr)
	}

	serialEP := newSerialEndpoint(s.serial, s.modem, log, s.dlog, s.onCommandEvent())
	telnetEP := newTelnetEndpoint(s.conn, framer, log, s.dlog)
	s.telnetEP = telnetEP

	s.pipe = pipeline.NewDualPipeline(serialEP, telnetEP, pipeline.DefaultSchedulerParams(), time.Now())
	// The pipeline's own state machine tracks DATA_TRANSFER/FLUSHING; sm
	// above already carries CONNECTING/NEGOTIATING so both agree at the
	// handoff point.
	for _, to := range []pipeline.SessionState{pipeline.StateInitializing, pipeline.StateReady, pipeline.StateConnecting, pipeline.StateNegotiating} {
		s.pipe.StateMachine().Transition(to, time.Now())
	}

	// dataPlaneLoop's own exit (flush on ctx cancellation, or on a clean
	// hangup) ends the attempt even when it returns nil, so its completion
	// must cancel the sibling loops too — errgroup only does that for a
	// non-nil error, not a normal return.
	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		return s.dataPlaneLoop(gctx, log)
	})
	g.Go(func() error { return s.carrierWatchLoop(gctx, log) })
	g.Go(func() error { return s.healthLoop(gctx, log) })

	runErr := g.Wait()
	cancelRun()

	if ctx.Err() != nil {
		return false, runErr
	}
	if s.carrierLossShutdown.get() && s.carrierLossCount <= 1 {
		s.modem.HangUp()
		return true, nil
	}
	if s.carrierLossCount > 1 {
		return false, multierr.Append(runErr, fmt.Errorf("second consecutive carrier loss: escalating to ERROR"))
	}
	return false, runErr
}

// onCommandEvent returns the callback the serial adapter invokes when the
// modem's AT processor goes online or hangs up, translating it into the
// pipeline's state machine transitions.
func (s *Session) onCommandEvent() func(CommandEvent) {
	return func(ev CommandEvent) {
		if ev.WentOnline && s.pipe != nil {
			s.pipe.StateMachine().Transition(pipeline.StateDataTransfer, time.Now())
		}
		if ev.HungUp && s.pipe != nil {
			s.pipe.StateMachine().Transition(pipeline.StateFlushing, time.Now())
		}
	}
}

// dataPlaneLoop runs the cooperative scheduler tick until
// ctx is cancelled, sleeping only when a tick moved zero bytes in either
// direction, bounded at IdleBackoff (10ms).
func (s *Session) dataPlaneLoop(ctx context.Context, log *logrus.Entry) error {
	if err := s.awaitNegotiation(ctx, log); err != nil {
		return err
	}
	lastObserve := time.Now()
	for {
		select {
		case <-ctx.Done():
			return s.flush(log)
		default:
		}
		if s.shutdownRequested.get() {
			return s.flush(log)
		}

		now := time.Now()
		moved, err := s.pipe.Tick(now)
		if err != nil {
			s.counters.addError()
			if modemerr.KindOf(err) == modemerr.Hangup {
				log.WithError(err).Info("carrier/peer lost, flushing")
				s.pipe.StateMachine().Transition(pipeline.StateFlushing, now)
				return s.flush(log)
			}
			s.pipe.StateMachine().Transition(pipeline.StateError, now)
			return err
		}
		// Metrics are published from this goroutine only: the scheduler's
		// latency/quantum fields are unsynchronized by design (single
		// servicing thread), so Observe must not run concurrently with Tick.
		if now.Sub(lastObserve) >= time.Second {
			s.pipe.Observe(s.pipeMetrics)
			lastObserve = now
		}
		if moved > 0 {
			s.lastActivity.set(now.UnixNano())
		} else {
			time.Sleep(pipeline.DefaultSchedulerParams().IdleBackoff)
		}
	}
}

// awaitNegotiation holds the pipeline in NEGOTIATING until the initial
// telnet option exchange quiesces: no new option bytes for 100ms, or a
// first payload byte. The 5s NEGOTIATING timeout pushes to ERROR.
func (s *Session) awaitNegotiation(ctx context.Context, log *logrus.Entry) error {
	sm := s.pipe.StateMachine()
	for sm.Current() == pipeline.StateNegotiating {
		select {
		case <-ctx.Done():
			sm.Transition(pipeline.StateDataTransfer, time.Now())
			return s.flush(log)
		default:
		}
		if s.shutdownRequested.get() {
			sm.Transition(pipeline.StateDataTransfer, time.Now())
			return s.flush(log)
		}

		now := time.Now()
		moved, err := s.pipe.Tick(now)
		if err != nil {
			s.counters.addError()
			sm.Transition(pipeline.StateError, now)
			return err
		}
		if s.telnetEP.NegotiationQuiesced(now, 100*time.Millisecond) {
			sm.Transition(pipeline.StateDataTransfer, now)
			log.Debug("telnet negotiation quiesced, entering data transfer")
			return nil
		}
		if sm.CheckTimeout(now) {
			sm.Transition(pipeline.StateError, now)
			return modemerr.New(modemerr.Timeout)
		}
		if moved == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return nil
}

// flush drains both EnhancedBuffers for up to 2s (the FLUSHING timeout)
// before the caller tears the session down. Callers may reach flush from
// DATA_TRANSFER directly (normal shutdown/ctx cancellation) as well as from
// FLUSHING (carrier loss/hangup), so flush makes the FLUSHING transition
// itself rather than relying on every caller to have made it already.
func (s *Session) flush(log *logrus.Entry) error {
	if s.pipe.StateMachine().Current() == pipeline.StateDataTransfer {
		s.pipe.StateMachine().Transition(pipeline.StateFlushing, time.Now())
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.pipe.Buffer(pipeline.SerialToTCP).Stats().Fill == 0 &&
			s.pipe.Buffer(pipeline.TCPToSerial).Stats().Fill == 0 {
			break
		}
		s.pipe.Tick(time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	s.pipe.StateMachine().Transition(pipeline.StateShuttingDown, time.Now())
	s.pipe.StateMachine().Transition(pipeline.StateTerminated, time.Now())
	s.pipe.Observe(s.pipeMetrics)
	log.Info("data plane flushed and terminated")
	return nil
}

// carrierWatchLoop is the "serial thread" half of the supervisor: it polls DCD
// and pushes the session toward FLUSHING when carrier is lost.
func (s *Session) carrierWatchLoop(ctx context.Context, log *logrus.Entry) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.modem.State() != modem.StateOnline {
				continue
			}
			up, err := s.serial.CheckCarrier()
			if err != nil {
				continue
			}
			if !up {
				log.Warn("carrier lost")
				s.requestShutdownAfterCarrierLoss(log)
				return nil
			}
		}
	}
}

// requestShutdownAfterCarrierLoss implements the reconnection policy:
// one automatic re-arm back toward READY; a second consecutive loss
// escalates to ERROR.
func (s *Session) requestShutdownAfterCarrierLoss(log *logrus.Entry) {
	s.carrierLossCount++
	if s.carrierLossCount <= 1 {
		log.Info("carrier loss: single automatic re-arm permitted")
	} else {
		log.Warn("second consecutive carrier loss: escalating to ERROR")
	}
	s.carrierLossShutdown.set(true)
	s.shutdownRequested.set(true)
}

// healthLoop is the supervisor half that does periodic health
// reporting, exported as both a log line and Prometheus gauges.
func (s *Session) healthLoop(ctx context.Context, log *logrus.Entry) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r := s.Health()
			s.gauges.Observe(r)
			log.WithFields(logrus.Fields{
				"serial_accessible": r.SerialAccessible.Status,
				"serial_init":       r.SerialInit.Status,
				"modem_responsive":  r.ModemResponsive.Status,
				"telnet_reachable":  r.TelnetReachable.Status,
			}).Debug("health report")
		}
	}
}

// Health produces the four-field report from this session's
// live components.
func (s *Session) Health() health.Report {
	return health.Report{
		SerialAccessible: health.CheckSerialAccessible(s.cfg.SerialPort),
		SerialInit:       health.CheckSerialInit(s.serial, s.cfg.BaudRate),
		ModemResponsive:  health.CheckModemResponsive(s.modem),
		TelnetReachable:  health.CheckTelnetReachable(s.cfg.TelnetAddr(), 2*time.Second),
	}
}

// RequestShutdown marks the cooperative shutdown flag;
// the data plane loop observes it at the head of its next iteration.
func (s *Session) RequestShutdown() { s.shutdownRequested.set(true) }

// Counters exposes a snapshot of the aggregate byte/error tally, folding in
// the live per-direction byte totals from the pipeline's EnhancedBuffers.
func (s *Session) Counters() Counters {
	c := s.counters.Snapshot()
	if s.pipe != nil {
		c.BytesSerialToTCP = s.pipe.Buffer(pipeline.SerialToTCP).BytesWrittenTotal()
		c.BytesTCPToSerial = s.pipe.Buffer(pipeline.TCPToSerial).BytesWrittenTotal()
	}
	return c
}

// newFramer returns a fresh telnet.Framer for a new TCP connection.
func newFramer() *telnet.Framer { return telnet.New() }
