// Package diag is the diagnostic sink shared by guests, the bridge and drive
// resolution. Emission is gated by a flag evaluated on every call, by default
// the DEBUG environment variable.
package diag
