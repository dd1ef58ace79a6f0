// Package errors provides structured error types for the wasm-drive bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The taxonomy follows the bridge's failure model:
//
//	provider_unavailable  no drive registered with the host
//	rejected              the drive refused a specific open/read
//	invalid_input         malformed request caught before reaching the drive
//	protocol              the drive settled with a value outside its contract
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRead, errors.KindProtocol).
//		Op("read").
//		Detail("drive returned %d bytes for a %d byte buffer", n, len(p)).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ProviderUnavailable("no drive registered", nil)
//	err := errors.Rejected(errors.PhaseOpen, filename, cause)
//
// None of these errors cross the sandbox boundary: the bridge logs them and
// hands the guest a sentinel value instead. All errors implement the standard
// error interface and support errors.Is/As.
package errors
