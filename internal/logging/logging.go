// Package logging builds the single *logrus.Logger handed to every
// component at construction time. Nothing here is a package-level global:
// the log sink is a configured handle passed at init, not a process-wide
// logger.
package logging

import (
	"io"
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Options controls how the root logger is constructed.
type Options struct {
	Verbose bool
	Daemon  bool
	Output  io.Writer // nil means os.Stderr
}

// New builds a logger per Options. In daemon mode a syslog hook is attached
// (facility LOG_DAEMON) so operators see bridge events in the system log.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stderr)
	}
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	if opts.Daemon {
		if hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON, "modembridge"); err == nil {
			log.AddHook(hook)
		} else {
			log.WithError(err).Warn("syslog hook unavailable, logging to file/stderr only")
		}
	}
	return log
}
