// Package log is a small leveled wrapper around the standard library
// logger. Call sites log through the package-level Debug, Info, Error
// and Fatal loggers; SetLevel gates which of them actually write.
package log

import (
	stdlog "log"
	"os"
	"sync/atomic"
)

// Level orders loggers by severity. A logger writes when its level is
// at or above the package level.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
)

var pkgLevel atomic.Int32

func init() {
	pkgLevel.Store(int32(InfoLevel))
}

// Logger is the subset of the stdlib logger the rest of the codebase
// depends on.
type Logger interface {
	Printf(format string, v ...interface{})
	Print(v ...interface{})
	Println(v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

var (
	Debug = New(DebugLevel, "")
	Info  = New(InfoLevel, "")
	Error = New(ErrorLevel, "")
	// Fatal always writes; it shares the error sink.
	Fatal = New(ErrorLevel, "")
)

type logger struct {
	level  Level
	prefix string
	sink   *stdlog.Logger
}

var _ Logger = (*logger)(nil)

func tag(level Level) string {
	switch level {
	case DebugLevel:
		return "[DEBUG] "
	case ErrorLevel:
		return "[ERROR] "
	default:
		return "[INFO] "
	}
}

// New returns a logger writing to stderr at the given level with an
// optional call-site prefix.
func New(level Level, prefix string) *logger {
	return &logger{
		level:  level,
		prefix: prefix,
		sink:   stdlog.New(os.Stderr, tag(level), stdlog.LstdFlags|stdlog.Lshortfile),
	}
}

// SetLevel sets the package log level by name. Unknown names are
// ignored.
func SetLevel(level string) {
	switch level {
	case "debug":
		pkgLevel.Store(int32(DebugLevel))
	case "info":
		pkgLevel.Store(int32(InfoLevel))
	case "error":
		pkgLevel.Store(int32(ErrorLevel))
	}
}

// SetPrefix applies a prefix to the package-level loggers, typically
// the node name.
func SetPrefix(prefix string) {
	for _, l := range []*logger{Debug, Info, Error, Fatal} {
		l.prefix = prefix
	}
}

// NewStdLogger adapts the leveled logger for dependencies that want a
// *log.Logger, e.g. raft and serf.
func NewStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(writerFunc(l.Print), "", 0)
}

type writerFunc func(v ...interface{})

func (f writerFunc) Write(p []byte) (int, error) {
	f(string(p))
	return len(p), nil
}

func (l *logger) enabled() bool {
	return int32(l.level) >= pkgLevel.Load()
}

func (l *logger) Printf(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.sink.Printf(l.prefix+format, v...)
}

func (l *logger) Print(v ...interface{}) {
	if !l.enabled() {
		return
	}
	if l.prefix != "" {
		v = append([]interface{}{l.prefix}, v...)
	}
	l.sink.Print(v...)
}

func (l *logger) Println(v ...interface{}) {
	if !l.enabled() {
		return
	}
	if l.prefix != "" {
		v = append([]interface{}{l.prefix}, v...)
	}
	l.sink.Println(v...)
}

func (l *logger) Fatal(v ...interface{}) {
	if l.prefix != "" {
		v = append([]interface{}{l.prefix}, v...)
	}
	l.sink.Fatal(v...)
}

func (l *logger) Fatalf(format string, v ...interface{}) {
	l.sink.Fatalf(l.prefix+format, v...)
}
