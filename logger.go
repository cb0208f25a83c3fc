package agent

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	errw "github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/budslink/agent/drivers/monitor"
)

const (
	RuntimeLogName = "runtime.log"

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

var _ logging.Appender = (*RuntimeLog)(nil)

// RuntimeLog is an appender writing one line per entry to runtime.log in the state directory. The file is
// rotated once it grows past the configured size, only one rotated file is kept.
type RuntimeLog struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func NewRuntimeLog(dir string, maxMegabytes int) *RuntimeLog {
	return &RuntimeLog{out: &lumberjack.Logger{
		Filename:   filepath.Join(dir, RuntimeLogName),
		MaxSize:    maxMegabytes,
		MaxBackups: 1,
	}}
}

// Path returns the location of the active log file.
func (l *RuntimeLog) Path() string {
	return l.out.Filename
}

// Write renders entry as "[timestamp] PREFIX: logger: message key=value...".
func (l *RuntimeLog) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: ", entry.Time.UTC().Format(timestampLayout), linePrefix(entry))
	if entry.LoggerName != "" {
		sb.WriteString(entry.LoggerName)
		sb.WriteString(": ")
	}
	sb.WriteString(entry.Message)

	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		for _, k := range slices.Sorted(maps.Keys(enc.Fields)) {
			fmt.Fprintf(&sb, " %s=%v", k, enc.Fields[k])
		}
	}
	sb.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write([]byte(sb.String())); err != nil {
		return errw.Wrapf(err, "writing %s", l.out.Filename)
	}
	return nil
}

// Sync is a no-op, every line is written straight to the file.
func (l *RuntimeLog) Sync() error {
	return nil
}

func (l *RuntimeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

func linePrefix(entry zapcore.Entry) string {
	if strings.HasSuffix(entry.LoggerName, "."+monitor.TrafficLoggerName) {
		return "BYT"
	}
	switch {
	case entry.Level >= zapcore.ErrorLevel:
		return "ERR"
	case entry.Level == zapcore.WarnLevel:
		return "WRN"
	case entry.Level == zapcore.DebugLevel:
		return "DBG"
	default:
		return "INF"
	}
}
