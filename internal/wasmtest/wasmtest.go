// Package wasmtest builds the small guest modules used by tests.
//
// Guests are written in WAT and compiled with the internal wat package. They
// forward their exports straight to the bridge imports, so tests can drive
// the sandbox boundary without a compiler toolchain.
package wasmtest

import (
	"fmt"

	"github.com/wippyai/wasm-drive/internal/wat"
)

// Imports names the host functions a guest imports.
type Imports struct {
	Module string
	Open   string
	Read   string
	Log    string
}

// Frame layout of open_read in the asyncify data region. Every field is an
// i32 saved on unwind and restored on rewind.
const (
	FrameName = 0
	FrameMode = 4
	FrameDst  = 8
	FrameLen  = 12
	FrameFD   = 16
	FrameCall = 20
	FrameSize = 24
)

const imports = `
	(import %[1]q %[2]q (func $open (param i32 i32) (result i32)))
	(import %[1]q %[3]q (func $read (param i32 i32 i32) (result i32)))
	(import %[1]q %[4]q (func $log (param i32)))
	(memory (export "memory") 1)
`

const guest = `(module` + imports + `
	(func (export "open") (param i32 i32) (result i32)
		(call $open (local.get 0) (local.get 1)))

	(func (export "read") (param i32 i32 i32) (result i32)
		(call $read (local.get 0) (local.get 1) (local.get 2)))

	(func (export "log") (param i32)
		(call $log (local.get 0)))

	(func (export "open_read") (param $name i32) (param $mode i32) (param $dst i32) (param $len i32) (result i32)
		(local $fd i32)
		(local.set $fd (call $open (local.get $name) (local.get $mode)))
		(if (result i32) (i32.lt_s (local.get $fd) (i32.const 0))
			(then (local.get $fd))
			(else (call $read (local.get $fd) (local.get $dst) (local.get $len)))))
)`

// asyncified carries the asyncify runtime API (state and data globals, the
// start/stop exports) and an open_read instrumented the way wasm-opt
// --asyncify instruments a function with two async call sites: on unwind it
// pushes its frame to the data region and returns, on rewind it pops the
// frame and re-enters the call site that suspended.
const asyncified = `(module` + imports + `
	(global $state (mut i32) (i32.const 0))
	(global $data (mut i32) (i32.const 0))

	(func $check
		(if (i32.gt_u (i32.load (global.get $data)) (i32.load offset=4 (global.get $data)))
			(then unreachable)))

	(func (export "asyncify_start_unwind") (param $addr i32)
		(global.set $state (i32.const 1))
		(global.set $data (local.get $addr))
		(call $check))

	(func (export "asyncify_stop_unwind")
		(global.set $state (i32.const 0))
		(call $check))

	(func (export "asyncify_start_rewind") (param $addr i32)
		(global.set $state (i32.const 2))
		(global.set $data (local.get $addr))
		(call $check))

	(func (export "asyncify_stop_rewind")
		(global.set $state (i32.const 0)))

	(func (export "asyncify_get_state") (result i32)
		(global.get $state))

	(func (export "log") (param i32)
		(call $log (local.get 0)))

	(func (export "open_read") (param $name i32) (param $mode i32) (param $dst i32) (param $len i32) (result i32)
		(local $fd i32) (local $n i32) (local $call i32) (local $sp i32)

		(if (i32.eq (global.get $state) (i32.const 2))
			(then
				(local.set $sp (i32.sub (i32.load (global.get $data)) (i32.const 24)))
				(i32.store (global.get $data) (local.get $sp))
				(local.set $name (i32.load (local.get $sp)))
				(local.set $mode (i32.load offset=4 (local.get $sp)))
				(local.set $dst (i32.load offset=8 (local.get $sp)))
				(local.set $len (i32.load offset=12 (local.get $sp)))
				(local.set $fd (i32.load offset=16 (local.get $sp)))
				(local.set $call (i32.load offset=20 (local.get $sp)))))

		(block $unwind
			(if (i32.or (i32.eqz (global.get $state)) (i32.eqz (local.get $call)))
				(then
					(local.set $fd (call $open (local.get $name) (local.get $mode)))
					(if (i32.eq (global.get $state) (i32.const 1))
						(then
							(local.set $call (i32.const 0))
							(br $unwind)))))

			(if (i32.lt_s (local.get $fd) (i32.const 0))
				(then
					(local.get $fd)
					(return)))

			(if (i32.or (i32.eqz (global.get $state)) (i32.eq (local.get $call) (i32.const 1)))
				(then
					(local.set $n (call $read (local.get $fd) (local.get $dst) (local.get $len)))
					(if (i32.eq (global.get $state) (i32.const 1))
						(then
							(local.set $call (i32.const 1))
							(br $unwind)))))

			(local.get $n)
			(return))

		(local.set $sp (i32.load (global.get $data)))
		(i32.store (local.get $sp) (local.get $name))
		(i32.store offset=4 (local.get $sp) (local.get $mode))
		(i32.store offset=8 (local.get $sp) (local.get $dst))
		(i32.store offset=12 (local.get $sp) (local.get $len))
		(i32.store offset=16 (local.get $sp) (local.get $fd))
		(i32.store offset=20 (local.get $sp) (local.get $call))
		(i32.store (global.get $data) (i32.add (local.get $sp) (i32.const 24)))
		(i32.const 0))
)`

// Guest builds a module importing open/read/log from imp and exporting:
//
//	memory                              one page of linear memory
//	open(name, mode i32) i32            forwards to the open import
//	read(fd, dst, len i32) i32          forwards to the read import
//	log(msg i32)                        forwards to the log import
//	open_read(name, mode, dst, len) i32 open then read in one guest call
func Guest(imp Imports) []byte {
	return mustCompile(fmt.Sprintf(guest, imp.Module, imp.Open, imp.Read, imp.Log))
}

// Asyncified builds an asyncified guest importing open/read/log from imp.
// It exports memory, log, open_read and the asyncify control functions.
// open_read saves a frame of FrameSize bytes per suspension.
func Asyncified(imp Imports) []byte {
	return mustCompile(fmt.Sprintf(asyncified, imp.Module, imp.Open, imp.Read, imp.Log))
}

// MemoryOnly builds a module that exports a single page of memory.
func MemoryOnly() []byte {
	return mustCompile(`(module (memory (export "memory") 1))`)
}

func mustCompile(src string) []byte {
	wasm, err := wat.Compile(src)
	if err != nil {
		panic(fmt.Sprintf("wasmtest: compile guest: %v", err))
	}
	return wasm
}
