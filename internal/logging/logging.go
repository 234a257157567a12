package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level gates debug output. Everything at info and above always prints.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps log_level values; unknown values mean info.
func ParseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Output is the process-wide log destination: stdout, mirrored to a
// rotating file when one is configured.
type Output struct {
	io.Writer
	level Level
	file  io.Closer
}

// Open builds the log destination for file (empty means stdout only).
func Open(file, level string) (*Output, error) {
	out := &Output{Writer: os.Stdout, level: ParseLevel(level)}
	if strings.TrimSpace(file) == "" {
		return out, nil
	}
	rw, err := NewRotatingWriter(file, DefaultMaxBytes)
	if err != nil {
		return nil, err
	}
	out.Writer = io.MultiWriter(os.Stdout, rw)
	out.file = rw
	return out, nil
}

// Level reports the configured threshold.
func (o *Output) Level() Level { return o.level }

// Logger returns a logger with a bracketed component prefix, e.g.
// Logger("http") prints "[taskd/http] ".
func (o *Output) Logger(component string) *log.Logger {
	prefix := "[taskd] "
	if component != "" {
		prefix = fmt.Sprintf("[taskd/%s] ", component)
	}
	return log.New(o, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Debugf returns a printf that only logs at debug level.
func (o *Output) Debugf(l *log.Logger) func(format string, args ...any) {
	if o.level > LevelDebug || l == nil {
		return func(string, ...any) {}
	}
	return func(format string, args ...any) { l.Printf("DEBUG "+format, args...) }
}

func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
