// Command modembridge is the CLI entry point: it parses
// flags, loads the key=value config file, optionally daemonizes, wires a
// session.Session together and runs it until shutdown. Flags follow the
// GNU short/long pattern (pflag.FlagSet with a custom Usage, SortFlags
// disabled to keep definition order in --help).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/onionmixer/modembridge/internal/config"
	"github.com/onionmixer/modembridge/internal/logging"
	"github.com/onionmixer/modembridge/internal/session"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitConfigError    = 2
	exitForcedTimeout  = 124
)

type cliFlags struct {
	ConfigPath string
	Daemon     bool
	Verbose    bool
	PIDFile    string
	Help       bool
	Version    bool
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("modembridge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false

	fs.StringVarP(&f.ConfigPath, "config", "c", "/etc/modembridge.conf", "Path to the key=value config file")
	fs.BoolVarP(&f.Daemon, "daemon", "d", false, "Daemonize: fork to background, detach from controlling terminal")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "Enable debug-level logging")
	fs.StringVarP(&f.PIDFile, "pidfile", "p", "/var/run/modembridge.pid", "PID file path, written in daemon mode")
	fs.BoolVarP(&f.Help, "help", "h", false, "Show this help message")
	fs.BoolVarP(&f.Version, "version", "V", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "modembridge - Hayes-modem-to-telnet bridge")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Usage: modembridge [flags]")
		fmt.Fprintln(os.Stderr, "")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.Help {
		fs.Usage()
		return f, flag.ErrHelp
	}
	return f, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "modembridge: %v\n", err)
		return exitStartupFailure
	}
	if flags.Version {
		fmt.Printf("modembridge %s\n", version)
		return exitOK
	}

	if flags.Daemon && !isDaemonChild() {
		if err := daemonize(args); err != nil {
			fmt.Fprintf(os.Stderr, "modembridge: daemonize: %v\n", err)
			return exitStartupFailure
		}
		return exitOK
	}

	log := logging.New(logging.Options{Verbose: flags.Verbose, Daemon: flags.Daemon})

	cfg, err := config.Load(flags.ConfigPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modembridge: config: %v\n", err)
		return exitConfigError
	}

	if flags.Daemon {
		if err := writePIDFile(flags.PIDFile); err != nil {
			log.WithError(err).Error("failed to write PID file")
			return exitStartupFailure
		}
		defer os.Remove(flags.PIDFile)
	}

	return runSession(cfg, log)
}

// runSession builds and drives the Session through its lifecycle, returning
// the process exit code once it terminates (by signal, by error, or after
// the 2s cooperative-shutdown deadline elapses following a
// second signal).
func runSession(cfg *config.Config, log *logrus.Logger) int {
	sess := session.New(cfg, log, prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(ctx) }()

	firstSignal := true
	for {
		select {
		case err := <-runErrCh:
			if err != nil {
				log.WithError(err).Error("session terminated with error")
				return exitStartupFailure
			}
			return exitOK

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("SIGHUP received: reload is not supported, ignoring")
				continue
			}
			if firstSignal {
				firstSignal = false
				log.WithField("signal", sig).Info("shutdown requested")
				sess.RequestShutdown()
				cancel()
				continue
			}
			log.WithField("signal", sig).Warn("second signal received, forcing termination")
			select {
			case <-runErrCh:
				return exitOK
			case <-time.After(2 * time.Second):
				log.Warn("forced shutdown deadline elapsed, terminating")
				return exitForcedTimeout
			}
		}
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
