package logger

import (
	"bytes"
	"testing"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func captured(level log.Level) (Logger, *bytes.Buffer) {
	l := NewLogger(uint32(level))
	var buf bytes.Buffer
	l.SetWriter(&buf)
	return l, &buf
}

// Ensure messages below the configured level are dropped.
func TestLoggerLevel(t *testing.T) {
	l, buf := captured(log.InfoLevel)
	l.Debugf("hidden %d", 1)
	require.Zero(t, buf.Len())
	l.Infof("shown %d", 2)
	require.Contains(t, buf.String(), "shown 2")
	require.Equal(t, buf, l.Writer())
}

// Ensure a prefix is prepended and can be cleared.
func TestLoggerPrefix(t *testing.T) {
	l, buf := captured(log.DebugLevel)
	l.Prefix("[region] ")
	l.Info("mapped")
	require.Contains(t, buf.String(), "[region] mapped")

	buf.Reset()
	l.Prefix("")
	l.Info("unmapped")
	require.NotContains(t, buf.String(), "[region]")
}

// Ensure silent mode discards output and restores the writer afterwards.
func TestLoggerSilent(t *testing.T) {
	l, buf := captured(log.DebugLevel)
	l.Silent(true)
	l.Info("should not appear")
	require.Zero(t, buf.Len())

	l.Silent(false)
	l.Info("should appear")
	require.Contains(t, buf.String(), "should appear")

	require.Panics(t, func() { l.Silent(false) })
}

// Ensure structured fields reach the output.
func TestLoggerWithField(t *testing.T) {
	l, buf := captured(log.DebugLevel)
	l.WithField("session", "abc").Info("opened")
	require.Contains(t, buf.String(), "session=abc")
}

// Ensure the NATS adapter prefixes messages.
func TestNATSLoggerOutput(t *testing.T) {
	l, buf := captured(log.DebugLevel)
	natsLog := NewNATSLogger(l, true)
	_, ok := natsLog.(*natsLogger)
	require.True(t, ok)

	natsLog.Noticef("listening on %d", 4222)
	natsLog.Tracef("trace")
	require.Contains(t, buf.String(), "nats: listening on 4222")
	require.Contains(t, buf.String(), "nats: trace")
}

// Ensure the disabled NATS adapter writes nothing.
func TestNoopNATSLoggerDoesNotLog(t *testing.T) {
	l, buf := captured(log.DebugLevel)
	natsLog := NewNATSLogger(l, false)
	_, ok := natsLog.(*noopNATSLogger)
	require.True(t, ok)

	natsLog.Noticef("test")
	natsLog.Warnf("test")
	natsLog.Errorf("test")
	natsLog.Debugf("test")
	natsLog.Tracef("test")
	require.Zero(t, buf.Len())
}

var _ Logger = (*logger)(nil)
var _ gnatsd.Logger = (*natsLogger)(nil)
var _ gnatsd.Logger = (*noopNATSLogger)(nil)
