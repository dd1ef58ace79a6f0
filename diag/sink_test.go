package diag

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestEnvFlag(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want bool
	}{
		{"unset", nil, false},
		{"empty", map[string]string{"DEBUG": ""}, false},
		{"one", map[string]string{"DEBUG": "1"}, true},
		{"true", map[string]string{"DEBUG": "true"}, true},
		{"zero", map[string]string{"DEBUG": "0"}, true},
		{"false", map[string]string{"DEBUG": "false"}, true},
		{"space", map[string]string{"DEBUG": " "}, true},
		{"other", map[string]string{"DEBUG": "yes"}, true},
		{"wrong name", map[string]string{"VERBOSE": "1"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := EnvFlag{Lookup: env(tc.vars)}
			if got := f.Enabled(); got != tc.want {
				t.Errorf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnvFlag_CustomName(t *testing.T) {
	f := EnvFlag{Name: "DRIVE_DEBUG", Lookup: env(map[string]string{"DRIVE_DEBUG": "1"})}
	if !f.Enabled() {
		t.Error("expected custom variable to be honored")
	}

	f = EnvFlag{Name: "DRIVE_DEBUG", Lookup: env(map[string]string{"DEBUG": "1"})}
	if f.Enabled() {
		t.Error("DEBUG must not enable a flag with a custom name")
	}
}

func TestEnvFlag_ProcessEnv(t *testing.T) {
	t.Setenv("WASMDRIVE_TEST_DEBUG", "true")
	if !(EnvFlag{Name: "WASMDRIVE_TEST_DEBUG"}).Enabled() {
		t.Error("expected os.LookupEnv to be used by default")
	}
}

func newObserved(flag Flag) (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewSink(zap.New(core), flag), logs
}

func TestSink_Disabled(t *testing.T) {
	sink, logs := newObserved(FlagFunc(func() bool { return false }))

	sink.Log("hello")
	sink.Logf("value %d", 1)
	sink.Error("failed", errors.New("boom"))

	if logs.Len() != 0 {
		t.Errorf("expected no entries, got %d", logs.Len())
	}
}

func TestSink_Enabled(t *testing.T) {
	sink, logs := newObserved(FlagFunc(func() bool { return true }))

	sink.Log("hello")
	sink.Logf("value %d", 1)
	sink.Error("failed", errors.New("boom"))

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "hello" || entries[0].Level != zapcore.InfoLevel {
		t.Errorf("unexpected first entry: %+v", entries[0].Entry)
	}
	if entries[1].Message != "value 1" {
		t.Errorf("unexpected formatted message %q", entries[1].Message)
	}
	if entries[2].Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %s", entries[2].Level)
	}
	if got := entries[2].ContextMap()["error"]; got != "boom" {
		t.Errorf("expected error field boom, got %v", got)
	}
}

func TestSink_FlagEvaluatedPerCall(t *testing.T) {
	on := false
	sink, logs := newObserved(FlagFunc(func() bool { return on }))

	sink.Log("first")
	on = true
	sink.Log("second")
	on = false
	sink.Log("third")

	if logs.Len() != 1 || logs.All()[0].Message != "second" {
		t.Errorf("expected only the entry emitted while enabled, got %v", logs.All())
	}
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) { panic("writer exploded") }

func TestSink_NeverPanics(t *testing.T) {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(panicWriter{}),
		zapcore.DebugLevel,
	)
	sink := NewSink(zap.New(core), FlagFunc(func() bool { return true }))

	sink.Log("boom")
	sink.Error("boom", errors.New("cause"))
}

func TestSink_Nil(t *testing.T) {
	var sink *Sink
	if sink.Enabled() {
		t.Error("nil sink must be disabled")
	}
	sink.Log("ignored")
	sink.Logf("ignored %d", 1)
	sink.Error("ignored", nil)

	NewSink(nil, nil).Log("discarded")
}
