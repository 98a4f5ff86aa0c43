package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseLogFormat(s string) LogFormat {
	if s == "json" || s == "JSON" {
		return FormatJSON
	}
	return FormatText
}

// levelState is shared by a logger and every child derived from it.
type levelState struct {
	mu              sync.RWMutex
	level           LogLevel
	componentLevels map[string]LogLevel
}

// StructuredLogger provides structured logging with levels and fields on
// top of a zap core.
type StructuredLogger struct {
	zl        *zap.Logger
	state     *levelState
	component string
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	IncludeStack  bool // Only for ERROR
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
		IncludeStack:  false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Level < DEBUG || config.Level > ERROR {
		return nil, fmt.Errorf("invalid log level: %d", config.Level)
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if config.Format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	// Level gating happens in enabled() so component overrides can go
	// below the global level.
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), zapcore.DebugLevel)

	opts := []zap.Option{zap.AddCallerSkip(2)}
	if config.IncludeCaller {
		opts = append(opts, zap.AddCaller())
	}
	if config.IncludeStack {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return &StructuredLogger{
		zl: zap.New(core, opts...),
		state: &levelState{
			level:           config.Level,
			componentLevels: make(map[string]LogLevel),
		},
	}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	return &StructuredLogger{
		zl:    zap.NewNop(),
		state: &levelState{level: ERROR, componentLevels: make(map[string]LogLevel)},
	}
}

// WithField returns a child logger carrying key=value on every entry.
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	child := &StructuredLogger{
		zl:        sl.zl.With(zap.Any(key, value)),
		state:     sl.state,
		component: sl.component,
	}
	if key == "component" {
		if s, ok := value.(string); ok {
			child.component = s
		}
	}
	return child
}

// WithFields returns a child logger carrying all of fields.
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	child := &StructuredLogger{
		zl:        sl.zl.With(toZapFields(fields)...),
		state:     sl.state,
		component: sl.component,
	}
	if s, ok := fields["component"].(string); ok {
		child.component = s
	}
	return child
}

// WithComponent tags entries with a component name.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.state.mu.Lock()
	defer sl.state.mu.Unlock()
	sl.state.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.state.mu.Lock()
	defer sl.state.mu.Unlock()
	sl.state.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.state.mu.RLock()
	defer sl.state.mu.RUnlock()
	return sl.state.level
}

// Enabled reports whether a message at level would be written by this
// logger, taking its component level into account.
func (sl *StructuredLogger) Enabled(level LogLevel) bool {
	return sl.enabled(level)
}

func (sl *StructuredLogger) enabled(level LogLevel) bool {
	sl.state.mu.RLock()
	defer sl.state.mu.RUnlock()

	if sl.component != "" {
		if compLevel, ok := sl.state.componentLevels[sl.component]; ok {
			return level >= compLevel
		}
	}
	return level >= sl.state.level
}

func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.emit(DEBUG, message, fields...)
}

func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.emit(INFO, message, fields...)
}

func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.emit(WARN, message, fields...)
}

func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.emit(ERROR, message, fields...)
}

func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.emit(DEBUG, fmt.Sprintf(format, args...))
}

func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.emit(INFO, fmt.Sprintf(format, args...))
}

func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.emit(WARN, fmt.Sprintf(format, args...))
}

func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.emit(ERROR, fmt.Sprintf(format, args...))
}

func (sl *StructuredLogger) emit(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	if !sl.enabled(level) {
		return
	}
	ce := sl.zl.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}
	var fields []zap.Field
	for _, m := range fieldMaps {
		fields = append(fields, toZapFields(m)...)
	}
	ce.Write(fields...)
}

// Zap exposes the underlying zap logger for libraries that want one.
func (sl *StructuredLogger) Zap() *zap.Logger {
	return sl.zl
}

// Sync flushes buffered entries.
func (sl *StructuredLogger) Sync() error {
	return sl.zl.Sync()
}

func toZapFields(m map[string]interface{}) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := m[k].(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			continue
		}
		fields = append(fields, zap.Any(k, m[k]))
	}
	return fields
}
