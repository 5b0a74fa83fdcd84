// Package extensions implements the dynamic extension loader and
// registry: third-party code (native shared libraries or WASM modules)
// supplying new device protocols, LLM backends, or tools, loaded
// behind a versioned ABI and driven through one lifecycle state
// machine regardless of how it was loaded.
package extensions

import (
	"context"
	"time"
)

// ABIVersion is the host's expected native/RPC ABI version. A loaded
// extension reporting a different version is refused.
const ABIVersion uint32 = 1

// State is a position in an extension's lifecycle.
type State string

const (
	StateLoaded      State = "loaded"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
	StateError       State = "error"
)

// Kind identifies how an extension's code is hosted.
type Kind string

const (
	KindNative Kind = "native" // in-process, loaded via the stdlib plugin package
	KindRPC    Kind = "rpc"    // process-isolated, loaded via hashicorp/go-plugin
	KindWASM   Kind = "wasm"   // sandboxed, loaded via wasmtime
)

// Metadata is what a loader reads from the extension itself, the Go
// analogue of the native ABI's CExtensionMetadata C struct (id, name,
// version, description, author as NUL-terminated strings).
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Extension is the capability set every loaded extension exposes,
// regardless of Kind: {initialise, start, stop, shutdown, health_check,
// handle_command(name, args)}.
type Extension interface {
	Metadata() Metadata
	Initialise(ctx context.Context, config map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	HandleCommand(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Loader loads one Extension from a file path, with an optional
// creation-time config.
type Loader interface {
	Kind() Kind
	Load(ctx context.Context, path string, config map[string]any) (Extension, error)
}

// Record is the persisted description of a registered extension,
// matching spec's extension record: {id, name, file_path,
// extension_type, version, auto_start, enabled, config, registered_at,
// updated_at}.
type Record struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	FilePath      string         `json:"file_path"`
	ExtensionType Kind           `json:"extension_type"`
	Version       string         `json:"version"`
	AutoStart     bool           `json:"auto_start"`
	Enabled       bool           `json:"enabled"`
	Config        map[string]any `json:"config,omitempty"`
	RegisteredAt  int64          `json:"registered_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Status reports one loaded extension's live state, counters, and last
// error, for the registry's introspection API.
type Status struct {
	Record     Record
	State      State
	StartCount int
	StopCount  int
	LastError  string
	LoadedAt   time.Time
}
