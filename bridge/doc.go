// Package bridge implements drive open and read for sandboxed guests.
//
// Every operation resolves a provider handle, issues one asynchronous request
// and awaits it exactly once, moving through
// Requested -> AwaitingProvider -> Succeeded | Failed. Failures are reported
// once to the diagnostic sink and returned as a tagged drive.Result; only the
// guest boundary turns them into Sentinel.
//
// # Guest ABI
//
// Instantiate exports three functions, by default in module "env":
//
//	__asyncjs__weavedrive_open(filename, mode i32) i32   NUL-terminated strings
//	__asyncjs__weavedrive_read(fd, dst, len i32) i32     bytes read, 0 at end
//	ao_log(msg i32)                                      NUL-terminated string
//
// Both open and read return Sentinel (-1) on failure. Guest input is checked
// before any provider is resolved:
//
//   - a null or unterminated filename fails
//   - a len of 0 returns 0 without resolving a provider or logging
//   - a negative len, a null dst or a range outside linear memory fails
//   - a negative fd fails
//
// # Suspension
//
// Open and read are built with engine.MakeAsyncHandler. An asyncified guest
// run through engine.Instance.Run unwinds at the import, the provider request
// runs outside the guest, and the guest rewinds with the result. A plain
// guest blocks in the import until the provider settles.
package bridge
