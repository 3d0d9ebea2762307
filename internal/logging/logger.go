package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps LOG_LEVEL style names to a Level. Unknown names fall back
// to LevelInfo and ok is false.
func ParseLevel(name string) (level Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

type Field struct {
	Key   string
	Value interface{}
}

// Logger writes leveled lines with key=value fields. Child loggers created
// with With share the parent's level and output.
type Logger struct {
	core   *core
	prefix string
	fields []Field
}

type core struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func Init(level Level) {
	once.Do(func() {
		defaultLogger = &Logger{core: &core{
			level:  level,
			logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		}}
	})
}

func GetLogger() *Logger {
	Init(LevelInfo)
	return defaultLogger
}

// NewLogger returns a logger that tags every line with [name] and follows
// the default logger's level and output.
func NewLogger(name string) *Logger {
	root := GetLogger()
	return &Logger{core: root.core, prefix: "[" + name + "] "}
}

// SetOutput redirects the logger (and every logger sharing its core).
func (l *Logger) SetOutput(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.logger.SetOutput(w)
}

func (l *Logger) SetLevel(level Level) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

func (l *Logger) Level() Level {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return l.core.level
}

// With returns a child logger that appends fields to every line.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{core: l.core, prefix: l.prefix, fields: merged}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if level < l.Level() {
		return
	}
	all := fields
	if len(l.fields) > 0 {
		all = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	}

	line := fmt.Sprintf("%s[%s] %s", l.prefix, level, msg)
	if fieldStr := formatFields(all); fieldStr != "" {
		line += " " + fieldStr
	}

	l.core.mu.RLock()
	out := l.core.logger
	l.core.mu.RUnlock()
	out.Print(line)
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		v := FormatValue(f.Value)
		if strings.ContainsAny(v, " \t\"") {
			v = strconv.Quote(v)
		}
		b.WriteString(v)
	}
	return b.String()
}

func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 2, 64)
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func Debug(msg string, fields ...Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...Field) { GetLogger().Error(msg, fields...) }
