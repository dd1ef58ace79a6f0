// Package wasmdrive bridges sandboxed WebAssembly guests to an asynchronous
// host storage capability (a "drive").
//
// Guest code calls synchronous-looking open/read imports. The host suspends
// the guest, issues the request to the drive, and resumes the guest exactly
// once with a descriptor, a byte count, or a failure sentinel. Failures never
// trap across the sandbox boundary.
//
// # Architecture Overview
//
//	wasmdrive/           Root package with the guest Memory interface
//	├── bridge/          Async File Bridge: open/read and the guest host module
//	├── diag/            Diagnostic Sink gated by the DEBUG flag
//	├── drive/           Drive contract, Future, Registry and Resolvers
//	│   ├── fdtable/     Descriptor table shared by drive implementations
//	│   ├── fsdrive/     io/fs backed drive
//	│   └── gateway/     HTTP gateway drive (/data, /tx, /block paths)
//	├── engine/          wazero integration and asyncify suspend/resume
//	├── config/          YAML host configuration
//	├── errors/          Structured error types
//	├── internal/        Test guest encoder
//	└── cmd/wasmdrive/   CLI (run, cat, browse, config)
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	registry := drive.NewRegistry()
//	registry.Register(fsdrive.Factory(fsdrive.New(os.DirFS("./data"))))
//
//	sink := diag.NewSink(logger, diag.EnvFlag{})
//	b := bridge.New(drive.NewRegistryResolver(registry, sink), sink)
//	if _, err := bridge.Instantiate(ctx, eng.Runtime(), b, bridge.DefaultImports()); err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := eng.Instantiate(ctx, wasmBytes, engine.InstanceConfig{Name: "guest"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := inst.Run(ctx, "main")
//
// # Thread Safety
//
// Engine, Registry, Resolvers and Bridge are safe for concurrent use. An
// Instance runs a single logical thread of control and must be driven by one
// goroutine at a time.
package wasmdrive
