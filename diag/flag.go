package diag

import "os"

// DefaultFlagName is the environment variable that enables diagnostics.
const DefaultFlagName = "DEBUG"

// Flag reports whether diagnostics are enabled. Implementations are consulted
// on every emission and must not cache.
type Flag interface {
	Enabled() bool
}

// FlagFunc adapts a function to Flag.
type FlagFunc func() bool

func (f FlagFunc) Enabled() bool { return f() }

// EnvFlag reads a process environment variable at call time.
//
// Unset or empty is off. Any non-empty value is on, "0" and "false"
// included.
type EnvFlag struct {
	// Name of the variable. Empty selects DefaultFlagName.
	Name string

	// Lookup replaces os.LookupEnv, mostly for tests.
	Lookup func(string) (string, bool)
}

func (f EnvFlag) Enabled() bool {
	name := f.Name
	if name == "" {
		name = DefaultFlagName
	}
	lookup := f.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	v, ok := lookup(name)
	return ok && v != ""
}
