package extensions

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// nativeExtensionSuffixes are the shared-library extensions the native
// loader will attempt to open. Go's plugin package only supports ELF
// shared objects built with -buildmode=plugin, but the config-level
// path validation doesn't care which platform built the file.
var nativeExtensionSuffixes = []string{".so", ".dylib", ".dll"}

// NativeLoader loads in-process extensions via the stdlib plugin
// package, the direct Go analogue of the native ABI's
// dlopen/libloading-based loader: open the shared object, verify its
// ABI version, read its metadata, then call its create entry point.
//
// Every exported symbol is a plain Go value, since plugin.Open only
// links plugins built from the same module; the three required
// symbols mirror the native ABI's three C entry points
// (abi_version/metadata/create) one-for-one:
//
//	var ExtensionABIVersion func() uint32
//	var ExtensionMetadata func() extensions.Metadata
//	var ExtensionCreate func(config map[string]any) (extensions.Extension, error)
type NativeLoader struct {
	allowedDirs []string
}

// NewNativeLoader builds a loader that will only open files under
// allowedDirs (the configured extension search paths).
func NewNativeLoader(allowedDirs []string) *NativeLoader {
	return &NativeLoader{allowedDirs: allowedDirs}
}

func (l *NativeLoader) Kind() Kind { return KindNative }

// Load opens path as a Go plugin, checks its ABI version, and invokes
// its create entry point with config.
func (l *NativeLoader) Load(ctx context.Context, path string, config map[string]any) (Extension, error) {
	if err := validateExtensionPath(path, l.allowedDirs, nativeExtensionSuffixes); err != nil {
		return nil, err
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, fmt.Sprintf("failed to open native extension %s", path), err)
	}

	abiSym, err := p.Lookup("ExtensionABIVersion")
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "native extension missing ExtensionABIVersion symbol", err)
	}
	abiFn, ok := abiSym.(func() uint32)
	if !ok {
		return nil, edgeerr.New(edgeerr.Extension, "native extension ExtensionABIVersion has the wrong signature")
	}
	if got := abiFn(); got != ABIVersion {
		return nil, edgeerr.Newf(edgeerr.Extension, "native extension %s: abi version mismatch: expected %d, got %d", path, ABIVersion, got)
	}

	createSym, err := p.Lookup("ExtensionCreate")
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "native extension missing ExtensionCreate symbol", err)
	}
	createFn, ok := createSym.(func(map[string]any) (Extension, error))
	if !ok {
		return nil, edgeerr.New(edgeerr.Extension, "native extension ExtensionCreate has the wrong signature")
	}

	ext, err := createFn(config)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Extension, "native extension create failed", err)
	}
	return ext, nil
}

// validateExtensionPath rejects paths that escape the configured
// extension directories or don't carry a recognized native-library
// suffix, mirroring the path-traversal guard every extension-loading
// surface in this control plane applies before touching the
// filesystem.
func validateExtensionPath(path string, allowedDirs []string, suffixes []string) error {
	clean := filepath.Clean(path)
	if containsPathTraversalSegment(clean) {
		return edgeerr.Newf(edgeerr.InvalidArgument, "extension path %q contains a path traversal segment", path)
	}

	matched := false
	for _, suf := range suffixes {
		if strings.HasSuffix(clean, suf) {
			matched = true
			break
		}
	}
	if !matched {
		return edgeerr.Newf(edgeerr.InvalidArgument, "extension path %q has no recognized extension suffix", path)
	}

	if len(allowedDirs) == 0 {
		return nil
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return edgeerr.Wrap(edgeerr.InvalidArgument, "failed to resolve extension path", err)
	}
	for _, dir := range allowedDirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absDir, abs)
		if err != nil {
			continue
		}
		if !containsPathTraversalSegment(rel) {
			return nil
		}
	}
	return edgeerr.Newf(edgeerr.InvalidArgument, "extension path %q is outside the configured extension directories", path)
}

func containsPathTraversalSegment(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
