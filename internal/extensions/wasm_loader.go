package extensions

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v3"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// WASM extensions speak the same abi_version/metadata/create contract
// as native extensions, but over WebAssembly's flat linear memory
// instead of C pointers: every call that needs to move structured data
// writes/reads length-prefixed JSON through an exported "alloc"
// function, since the spec leaves the WASM wire encoding unpinned (see
// DESIGN.md). The exported surface a conforming module provides:
//
//	alloc(size: i32) -> i32                         // returns a pointer
//	abi_version() -> i32
//	metadata(out_ptr: i32) -> i32                    // writes JSON length to out_ptr, returns data ptr
//	create(config_ptr: i32, config_len: i32) -> i32  // 0 on success
//	start() -> i32, stop() -> i32, shutdown() -> i32, health_check() -> i32
//	handle_command(name_ptr, name_len, args_ptr, args_len, out_len_ptr: i32) -> i32
type WASMConfig struct {
	FuelLimit   uint64
	ExecTimeout time.Duration
}

// WASMLoader loads sandboxed extensions via wasmtime: each module runs
// in its own Store with an optional fuel budget, so a runaway or
// malicious extension can be starved deterministically rather than
// needing a host-side watchdog thread.
type WASMLoader struct {
	cfg WASMConfig
}

// NewWASMLoader builds a loader applying cfg's fuel/timeout bounds to
// every module it loads.
func NewWASMLoader(cfg WASMConfig) *WASMLoader {
	return &WASMLoader{cfg: cfg}
}

func (l *WASMLoader) Kind() Kind { return KindWASM }

func (l *WASMLoader) Load(ctx context.Context, path string, config map[string]any) (Extension, error) {
	if err := validateExtensionPath(path, nil, []string{".wasm"}); err != nil {
		return nil, err
	}

	engineCfg := wasmtime.NewConfig()
	if l.cfg.FuelLimit > 0 {
		engineCfg.SetConsumeFuel(true)
	}
	engine := wasmtime.NewEngineWithConfig(engineCfg)

	module, err := wasmtime.NewModuleFromFile(engine, path)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, fmt.Sprintf("failed to compile wasm extension %s", path), err)
	}

	store := wasmtime.NewStore(engine)
	if l.cfg.FuelLimit > 0 {
		if err := store.AddFuel(l.cfg.FuelLimit); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Extension, "failed to set wasm fuel budget", err)
		}
	}

	instance, err := wasmtime.NewInstance(store, module, []wasmtime.AsExtern{})
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, fmt.Sprintf("failed to instantiate wasm extension %s", path), err)
	}

	ext := &wasmExtension{
		store:    store,
		instance: instance,
		path:     path,
		timeout:  l.cfg.ExecTimeout,
	}
	if err := ext.bindExports(); err != nil {
		return nil, err
	}

	if got, err := ext.abiVersion(); err != nil {
		return nil, err
	} else if uint32(got) != ABIVersion {
		return nil, edgeerr.Newf(edgeerr.Extension, "wasm extension %s: abi version mismatch: expected %d, got %d", path, ABIVersion, got)
	}

	meta, err := ext.readMetadata()
	if err != nil {
		return nil, err
	}
	ext.meta = meta

	if len(config) == 0 {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "failed to marshal wasm extension config", err)
	}
	ptr, err := ext.writeBytes(configJSON)
	if err != nil {
		return nil, err
	}
	result, err := ext.create.Call(store, ptr, int32(len(configJSON)))
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "wasm extension create failed", err)
	}
	if code, ok := result.(int32); ok && code != 0 {
		return nil, edgeerr.Newf(edgeerr.Extension, "wasm extension %s: create returned error code %d", path, code)
	}

	return ext, nil
}

// wasmExtension is the Extension implementation backing a loaded WASM
// module: every lifecycle call is a Call into the module's exports.
type wasmExtension struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	path     string
	timeout  time.Duration
	meta     Metadata

	alloc         *wasmtime.Func
	abiVersionFn  *wasmtime.Func
	metadataFn    *wasmtime.Func
	create        *wasmtime.Func
	startFn       *wasmtime.Func
	stopFn        *wasmtime.Func
	shutdownFn    *wasmtime.Func
	healthCheckFn *wasmtime.Func
	handleCmdFn   *wasmtime.Func
	resultPtrFn   *wasmtime.Func
	resultLenFn   *wasmtime.Func
	memory        *wasmtime.Memory
}

func (e *wasmExtension) bindExports() error {
	get := func(name string) (*wasmtime.Func, error) {
		f := e.instance.GetFunc(e.store, name)
		if f == nil {
			return nil, edgeerr.Newf(edgeerr.Extension, "wasm extension %s: missing required export %q", e.path, name)
		}
		return f, nil
	}

	var err error
	if e.alloc, err = get("alloc"); err != nil {
		return err
	}
	if e.abiVersionFn, err = get("abi_version"); err != nil {
		return err
	}
	if e.metadataFn, err = get("metadata"); err != nil {
		return err
	}
	if e.create, err = get("create"); err != nil {
		return err
	}
	if e.startFn, err = get("start"); err != nil {
		return err
	}
	if e.stopFn, err = get("stop"); err != nil {
		return err
	}
	if e.shutdownFn, err = get("shutdown"); err != nil {
		return err
	}
	if e.healthCheckFn, err = get("health_check"); err != nil {
		return err
	}
	if e.handleCmdFn, err = get("handle_command"); err != nil {
		return err
	}
	if e.resultPtrFn, err = get("result_ptr"); err != nil {
		return err
	}
	if e.resultLenFn, err = get("result_len"); err != nil {
		return err
	}

	mem := e.instance.GetExport(e.store, "memory")
	if mem == nil || mem.Memory() == nil {
		return edgeerr.Newf(edgeerr.Extension, "wasm extension %s: missing exported memory", e.path)
	}
	e.memory = mem.Memory()
	return nil
}

func (e *wasmExtension) abiVersion() (int32, error) {
	v, err := e.abiVersionFn.Call(e.store)
	if err != nil {
		return 0, edgeerr.Wrap(edgeerr.Extension, "wasm extension abi_version call failed", err)
	}
	n, _ := v.(int32)
	return n, nil
}

// writeBytes copies data into the module's linear memory via its
// exported alloc function, returning the pointer alloc handed back.
func (e *wasmExtension) writeBytes(data []byte) (int32, error) {
	res, err := e.alloc.Call(e.store, int32(len(data)))
	if err != nil {
		return 0, edgeerr.Wrap(edgeerr.Extension, "wasm extension alloc call failed", err)
	}
	ptr, _ := res.(int32)
	raw := e.memory.UnsafeData(e.store)
	copy(raw[ptr:], data)
	return ptr, nil
}

func (e *wasmExtension) readBytes(ptr, length int32) []byte {
	raw := e.memory.UnsafeData(e.store)
	out := make([]byte, length)
	copy(out, raw[ptr:ptr+length])
	return out
}

func (e *wasmExtension) readMetadata() (Metadata, error) {
	lenPtr, err := e.alloc.Call(e.store, int32(4))
	if err != nil {
		return Metadata{}, edgeerr.Wrap(edgeerr.Extension, "wasm extension alloc call failed", err)
	}
	dataPtrVal, err := e.metadataFn.Call(e.store, lenPtr)
	if err != nil {
		return Metadata{}, edgeerr.Wrap(edgeerr.Extension, "wasm extension metadata call failed", err)
	}
	dataPtr, _ := dataPtrVal.(int32)
	lenPtrI, _ := lenPtr.(int32)
	raw := e.memory.UnsafeData(e.store)
	length := int32(binary.LittleEndian.Uint32(raw[lenPtrI : lenPtrI+4]))

	var meta Metadata
	if err := json.Unmarshal(e.readBytes(dataPtr, length), &meta); err != nil {
		return Metadata{}, edgeerr.Wrap(edgeerr.Extension, "wasm extension metadata is not valid JSON", err)
	}
	return meta, nil
}

func (e *wasmExtension) Metadata() Metadata { return e.meta }

func (e *wasmExtension) Initialise(ctx context.Context, config map[string]any) error {
	// WASM modules receive their configuration at create time; a
	// second initialise phase has nothing further to apply.
	return nil
}

func (e *wasmExtension) callStatus(ctx context.Context, fn *wasmtime.Func, what string) error {
	result, err := fn.Call(e.store)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Extension, fmt.Sprintf("wasm extension %s %s call failed", e.path, what), err)
	}
	if code, ok := result.(int32); ok && code != 0 {
		return edgeerr.Newf(edgeerr.Extension, "wasm extension %s: %s returned error code %d", e.path, what, code)
	}
	return nil
}

func (e *wasmExtension) Start(ctx context.Context) error      { return e.callStatus(ctx, e.startFn, "start") }
func (e *wasmExtension) Stop(ctx context.Context) error       { return e.callStatus(ctx, e.stopFn, "stop") }
func (e *wasmExtension) Shutdown(ctx context.Context) error   { return e.callStatus(ctx, e.shutdownFn, "shutdown") }
func (e *wasmExtension) HealthCheck(ctx context.Context) error { return e.callStatus(ctx, e.healthCheckFn, "health_check") }

func (e *wasmExtension) HandleCommand(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	nameBytes := []byte(name)
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "failed to marshal wasm command args", err)
	}

	namePtr, err := e.writeBytes(nameBytes)
	if err != nil {
		return nil, err
	}
	argsPtr, err := e.writeBytes(argsBytes)
	if err != nil {
		return nil, err
	}

	_, err = e.handleCmdFn.Call(e.store, namePtr, int32(len(nameBytes)), argsPtr, int32(len(argsBytes)))
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, fmt.Sprintf("wasm extension %s handle_command %q failed", e.path, name), err)
	}

	resultPtrVal, err := e.resultPtrFn.Call(e.store)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "wasm extension result_ptr call failed", err)
	}
	resultLenVal, err := e.resultLenFn.Call(e.store)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "wasm extension result_len call failed", err)
	}
	ptr, _ := resultPtrVal.(int32)
	length, _ := resultLenVal.(int32)
	if length == 0 {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(e.readBytes(ptr, length), &out); err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "wasm extension command result is not valid JSON", err)
	}
	return out, nil
}
