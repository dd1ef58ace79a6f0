// Package engine runs sandboxed guests on wazero and implements the
// suspend/resume protocol used by asynchronous host imports.
//
// # Architecture
//
//	Engine     - owns the wazero runtime; host modules and guests share it
//	Instance   - one guest module, optionally asyncified
//	Asyncify   - Binaryen asyncify state machine for one instance
//	Scheduler  - runs a guest call across suspensions
//
// # Suspend and Resume
//
// Guests built with asyncify (wasm-opt --asyncify, emscripten -sASYNCIFY) can
// unwind their stack into linear memory and later rewind it. An async host
// import built with MakeAsyncHandler uses this to look synchronous to the
// guest:
//
//  1. The guest calls the import; the handler builds a PendingOp and calls
//     Suspend, which starts unwinding.
//  2. The guest call returns to the Scheduler, which stops unwinding and
//     executes the PendingOp outside the guest.
//  3. The Scheduler starts rewinding and calls the guest export again; the
//     guest re-enters the same import, the handler calls Resume and returns
//     the settled value.
//
// Every suspension yields exactly one PendingOp, which executes exactly once,
// and the guest resumes exactly once. Operations are never canceled once
// issued and the scheduler imposes no timeout.
//
// Usage:
//
//	inst, err := eng.Instantiate(ctx, wasmBytes, engine.InstanceConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := inst.Run(ctx, "main")
//
// Instantiate enables asyncify automatically for asyncified binaries. For a
// plain binary, Run calls the export directly and async handlers execute
// their op inline on the calling goroutine.
//
// # Step Execution
//
// Callers with their own event loop drive the Scheduler directly:
//
//	sched.Execute(ctx, fn, args...)
//	var yr *engine.YieldResult
//	for {
//	    sr, err := sched.Step(ctx, yr)
//	    if err != nil || sr.Status == engine.StepDone {
//	        break
//	    }
//	    v, opErr := sr.PendingOp.Execute(ctx)
//	    yr = &engine.YieldResult{Value: v, Error: opErr}
//	}
package engine
