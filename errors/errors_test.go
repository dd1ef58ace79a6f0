package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseOpen,
				Kind:   KindRejected,
				Op:     "open",
				Path:   []string{"data", "state.json"},
				Detail: "no such file",
			},
			contains: []string{"[open]", "rejected", "open", "data/state.json", "no such file"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseRead,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[read]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseResolve,
				Kind:   KindProviderUnavailable,
				Detail: "no drive registered",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[resolve]", "provider_unavailable", "no drive registered", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseRead,
		Kind:  KindRejected,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not see through to cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase:  PhaseOpen,
		Kind:   KindRejected,
		Detail: "gone",
	}

	if !errors.Is(err, &Error{Phase: PhaseOpen, Kind: KindRejected}) {
		t.Error("expected match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseRead, Kind: KindRejected}) {
		t.Error("phase mismatch should not match")
	}
	if errors.Is(err, &Error{Phase: PhaseOpen, Kind: KindInvalidInput}) {
		t.Error("kind mismatch should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("boom")
	err := New(PhaseRead, KindProtocol).
		Op("read").
		Path("tx", "abc").
		Value(42).
		Cause(cause).
		Detail("drive returned %d bytes for a %d byte buffer", 42, 16).
		Build()

	if err.Phase != PhaseRead || err.Kind != KindProtocol {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Op != "read" {
		t.Errorf("Op = %q", err.Op)
	}
	if strings.Join(err.Path, "/") != "tx/abc" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v", err.Value)
	}
	if err.Detail != "drive returned 42 bytes for a 16 byte buffer" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not wrapped")
	}
}

func TestBuilder_DetailString(t *testing.T) {
	err := New(PhaseLog, KindInvalidInput).DetailString("100% literal").Build()
	if err.Detail != "100% literal" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("cause")

	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"ProviderUnavailable", ProviderUnavailable("missing", cause), PhaseResolve, KindProviderUnavailable},
		{"Rejected", Rejected(PhaseOpen, "a.txt", cause), PhaseOpen, KindRejected},
		{"InvalidInput", InvalidInput(PhaseRead, "bad"), PhaseRead, KindInvalidInput},
		{"OutOfBounds", OutOfBounds(PhaseRead, 10, 20), PhaseRead, KindOutOfBounds},
		{"NotFound", NotFound(PhaseConfig, "drive kind", "ftp"), PhaseConfig, KindNotFound},
		{"Protocol", Protocol(PhaseOpen, "descriptor %d", -4), PhaseOpen, KindProtocol},
		{"Config", Config("bad yaml", cause), PhaseConfig, KindConfig},
		{"Registration", Registration("env", "ao_log", cause), PhaseHost, KindInstantiation},
		{"Instantiation", Instantiation(cause), PhaseRuntime, KindInstantiation},
		{"Load", Load("compile", cause), PhaseLoad, KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("phase = %s, want %s", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestRejected_EmptyPath(t *testing.T) {
	err := Rejected(PhaseRead, "", errors.New("x"))
	if len(err.Path) != 0 {
		t.Errorf("expected no path, got %v", err.Path)
	}
}

func TestOutOfBounds_Detail(t *testing.T) {
	err := OutOfBounds(PhaseRead, 65530, 10)
	if !strings.Contains(err.Error(), "[65530, 65540)") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	base := ProviderUnavailable("none", nil)
	wrapped := fmt.Errorf("resolve: %w", base)

	if !IsKind(wrapped, KindProviderUnavailable) {
		t.Error("expected wrapped error to match kind")
	}
	if IsKind(wrapped, KindRejected) {
		t.Error("unexpected kind match")
	}
	if IsKind(errors.New("plain"), KindRejected) {
		t.Error("plain error should not match")
	}
	if IsKind(nil, KindRejected) {
		t.Error("nil should not match")
	}
}
