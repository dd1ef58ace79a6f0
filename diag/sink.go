package diag

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink is a one-way diagnostic channel from guests and the bridge to the
// host log. Entries are written only while the flag is enabled; otherwise
// every method returns after the flag check.
//
// A nil *Sink discards everything.
type Sink struct {
	logger *zap.Logger
	flag   Flag
}

// NewSink returns a sink writing to logger. A nil logger discards entries and
// a nil flag selects EnvFlag{}.
func NewSink(logger *zap.Logger, flag Flag) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flag == nil {
		flag = EnvFlag{}
	}
	return &Sink{logger: logger.Named("diag"), flag: flag}
}

// Enabled evaluates the flag.
func (s *Sink) Enabled() bool {
	return s != nil && s.flag.Enabled()
}

// Log emits msg as one informational entry.
func (s *Sink) Log(msg string, fields ...zap.Field) {
	if !s.Enabled() {
		return
	}
	s.emit(zap.InfoLevel, msg, fields)
}

// Logf formats and emits one informational entry.
func (s *Sink) Logf(format string, args ...any) {
	if !s.Enabled() {
		return
	}
	s.emit(zap.InfoLevel, fmt.Sprintf(format, args...), nil)
}

// Error emits one error-level entry carrying err.
func (s *Sink) Error(msg string, err error, fields ...zap.Field) {
	if !s.Enabled() {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.emit(zap.ErrorLevel, msg, fields)
}

// emit writes one entry. A failing core never reaches the caller.
func (s *Sink) emit(lvl zapcore.Level, msg string, fields []zap.Field) {
	defer func() { _ = recover() }()
	s.logger.Log(lvl, msg, fields...)
}
