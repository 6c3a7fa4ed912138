// Package blog provides structured, level-aware logging for the
// account service, in the shape the rest of the codebase expects:
// a Logger with plain Info/Debug/Warning calls for operational
// messages and Audit-prefixed calls for events that belong on the
// record (account creation, token issuance, revocation).
package blog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface the rest of the service logs through. It is
// satisfied by *logrusLogger in production and by *Mock in tests.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warning(msg string)
	Err(msg string)
	AuditInfo(msg string)
	AuditErr(msg string)
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New constructs a Logger that writes to w (typically a syslog
// connection), or to os.Stdout when w is nil. syslogLevel follows the
// standard syslog priority numbering (0 Emergency .. 7 Debug) and gates
// what's written. Output goes to that one writer only: stdoutLevel is
// accepted but not used, and nothing is copied to stdout alongside w.
func New(w io.Writer, stdoutLevel, syslogLevel int) (Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(levelFromSyslog(syslogLevel))
	return &logrusLogger{entry: logrus.NewEntry(base)}, nil
}

func levelFromSyslog(level int) logrus.Level {
	switch {
	case level <= 3: // emerg, alert, crit
		return logrus.ErrorLevel
	case level == 4: // warning
		return logrus.WarnLevel
	case level <= 6: // notice, info
		return logrus.InfoLevel
	default: // debug
		return logrus.DebugLevel
	}
}

func (l *logrusLogger) Debug(msg string)   { l.entry.Debug(msg) }
func (l *logrusLogger) Info(msg string)    { l.entry.Info(msg) }
func (l *logrusLogger) Warning(msg string) { l.entry.Warn(msg) }
func (l *logrusLogger) Err(msg string)     { l.entry.Error(msg) }
func (l *logrusLogger) AuditInfo(msg string) {
	l.entry.WithField("audit", true).Info(msg)
}
func (l *logrusLogger) AuditErr(msg string) {
	l.entry.WithField("audit", true).Error(msg)
}

var (
	_defaultMu     sync.RWMutex
	_defaultLogger Logger = mustStdout()
)

func mustStdout() Logger {
	l, err := New(os.Stdout, 7, 7)
	if err != nil {
		panic(err)
	}
	return l
}

// Set installs logger as the package-level default returned by Get.
func Set(logger Logger) error {
	_defaultMu.Lock()
	defer _defaultMu.Unlock()
	if logger == nil {
		return fmt.Errorf("blog: cannot set a nil Logger")
	}
	_defaultLogger = logger
	return nil
}

// Get returns the package-level default Logger, falling back to a
// plain stdout logger if Set has never been called.
func Get() Logger {
	_defaultMu.RLock()
	defer _defaultMu.RUnlock()
	return _defaultLogger
}

// Mock is a Logger that records every call for assertions in tests.
type Mock struct {
	mu            sync.Mutex
	DebugMsgs     []string
	InfoMsgs      []string
	WarningMsgs   []string
	ErrMsgs       []string
	AuditInfoMsgs []string
	AuditErrMsgs  []string
}

// NewMock returns a Logger suitable for use in tests that want to
// assert on emitted log lines without a syslog dependency.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Debug(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DebugMsgs = append(m.DebugMsgs, msg)
}
func (m *Mock) Info(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoMsgs = append(m.InfoMsgs, msg)
}
func (m *Mock) Warning(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WarningMsgs = append(m.WarningMsgs, msg)
}
func (m *Mock) Err(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrMsgs = append(m.ErrMsgs, msg)
}
func (m *Mock) AuditInfo(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuditInfoMsgs = append(m.AuditInfoMsgs, msg)
}
func (m *Mock) AuditErr(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuditErrMsgs = append(m.AuditErrMsgs, msg)
}

var _ Logger = (*logrusLogger)(nil)
var _ Logger = (*Mock)(nil)
