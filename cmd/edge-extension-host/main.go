// Command edge-extension-host loads a single native extension and
// serves it over go-plugin's net/rpc transport to a parent edgecored
// process. One subprocess per extension: a crash or panic inside
// extension code kills only this process, never the control plane.
// Configuration is not a command-line concern: the parent calls
// Initialise over the RPC connection once it has dispensed the client,
// the same way every other extension lifecycle call works.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/edgecore-io/edgecore/internal/extensions"
)

func main() {
	extensionPath := flag.String("extension", "", "path to the native extension shared object to load and serve")
	flag.Parse()

	path := strings.TrimSpace(*extensionPath)
	if path == "" {
		fmt.Fprintln(os.Stderr, "edge-extension-host: -extension is required")
		os.Exit(2)
	}

	loader := extensions.NewNativeLoader(nil)
	ext, err := loader.Load(context.Background(), path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edge-extension-host: failed to load %s: %v\n", path, err)
		os.Exit(1)
	}

	extensions.Serve(ext)
}
