// Package logger provides the logrus-backed Logger used across the daemon and
// an adapter routing the embedded NATS server's logs through it.
package logger

import (
	"io"
	"io/ioutil"
	"sync"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Fatal(...interface{})
	WithField(string, interface{}) *log.Entry
	Writer() io.Writer
	SetWriter(io.Writer)
	Prefix(string)
	Silent(bool)
}

type logger struct {
	*log.Logger
	formatter *prefixFormatter
	mu        sync.Mutex
	silenced  io.Writer
}

// prefixFormatter prepends a fixed string to every message.
type prefixFormatter struct {
	log.Formatter
	mu     sync.RWMutex
	prefix string
}

func (f *prefixFormatter) Format(entry *log.Entry) ([]byte, error) {
	f.mu.RLock()
	prefix := f.prefix
	f.mu.RUnlock()
	if prefix != "" {
		entry.Message = prefix + entry.Message
	}
	return f.Formatter.Format(entry)
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	formatter := &prefixFormatter{
		Formatter: &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}
	l.Formatter = formatter
	return &logger{Logger: l, formatter: formatter}
}

func (l *logger) Writer() io.Writer {
	return l.Out
}

func (l *logger) SetWriter(writer io.Writer) {
	l.SetOutput(writer)
}

// Prefix sets a string prepended to every message. An empty prefix clears it.
func (l *logger) Prefix(prefix string) {
	l.formatter.mu.Lock()
	l.formatter.prefix = prefix
	l.formatter.mu.Unlock()
}

// Silent discards all output while enabled. Disabling restores the previous
// writer; disabling without enabling first panics.
func (l *logger) Silent(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable {
		if l.silenced == nil {
			l.silenced = l.Out
			l.SetOutput(ioutil.Discard)
		}
		return
	}
	if l.silenced == nil {
		panic("logger: Silent(false) called without Silent(true)")
	}
	l.SetOutput(l.silenced)
	l.silenced = nil
}

// natsLogger implements the NATS server logger interface by writing log
// messages to a Logger.
type natsLogger struct {
	logger Logger
}

// NewNATSLogger creates a NATS logger that writes log messages to the given
// Logger. When disabled only fatal messages are kept.
func NewNATSLogger(logger Logger, enabled bool) gnatsd.Logger {
	if enabled {
		return &natsLogger{logger}
	}
	return &noopNATSLogger{logger}
}

func (n *natsLogger) Noticef(format string, v ...interface{}) {
	n.logger.Infof("nats: "+format, v...)
}

func (n *natsLogger) Warnf(format string, v ...interface{}) {
	n.logger.Warnf("nats: "+format, v...)
}

func (n *natsLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}

func (n *natsLogger) Errorf(format string, v ...interface{}) {
	n.logger.Errorf("nats: "+format, v...)
}

func (n *natsLogger) Debugf(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

// Tracef logs at debug level since logrus trace output is not enabled.
func (n *natsLogger) Tracef(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

type noopNATSLogger struct {
	logger Logger
}

func (n *noopNATSLogger) Noticef(format string, v ...interface{}) {}

func (n *noopNATSLogger) Warnf(format string, v ...interface{}) {}

func (n *noopNATSLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}

func (n *noopNATSLogger) Errorf(format string, v ...interface{}) {}

func (n *noopNATSLogger) Debugf(format string, v ...interface{}) {}

func (n *noopNATSLogger) Tracef(format string, v ...interface{}) {}
