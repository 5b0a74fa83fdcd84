package extensions

import (
	"context"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// rpcHandshake is the handshake both the host (RPCLoader) and the
// extension-host subprocess (cmd/edge-extension-host) must agree on
// before a connection is trusted. The cookie values are arbitrary but
// must match byte-for-byte on both sides.
var rpcHandshake = goplugin.HandshakeConfig{
	ProtocolVersion:  ABIVersion,
	MagicCookieKey:   "EDGECORE_EXTENSION",
	MagicCookieValue: "edgecore-extension-host-v1",
}

const rpcPluginKey = "extension"

// pluginSet is shared by both the host (dispensing the client side) and
// cmd/edge-extension-host (serving the server side).
func pluginSet(impl Extension) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		rpcPluginKey: &extensionPlugin{impl: impl},
	}
}

// extensionPlugin is the go-plugin Plugin implementation bridging an
// Extension across a net/rpc connection.
type extensionPlugin struct {
	impl Extension
}

func (p *extensionPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &rpcServer{impl: p.impl}, nil
}

func (p *extensionPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// RPCLoader loads extensions out-of-process: each one runs inside its
// own cmd/edge-extension-host subprocess, communicating over a net/rpc
// connection that go-plugin negotiates and supervises. A crash in the
// extension's code can never take down this process.
type RPCLoader struct {
	hostBinary string
	logger     hclog.Logger
}

// NewRPCLoader builds a loader that launches hostBinary (the built
// cmd/edge-extension-host binary) once per extension.
func NewRPCLoader(hostBinary string) *RPCLoader {
	return &RPCLoader{
		hostBinary: hostBinary,
		logger:     hclog.New(&hclog.LoggerOptions{Name: "extension-rpc-loader", Level: hclog.Info}),
	}
}

func (l *RPCLoader) Kind() Kind { return KindRPC }

func (l *RPCLoader) Load(ctx context.Context, path string, config map[string]any) (Extension, error) {
	if err := validateExtensionPath(path, nil, nativeExtensionSuffixes); err != nil {
		return nil, err
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  rpcHandshake,
		Plugins:          pluginSet(nil),
		Cmd:              exec.Command(l.hostBinary, "-extension", path),
		Logger:           l.logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, edgeerr.Wrap(edgeerr.Extension, "failed to start extension-host subprocess", err)
	}

	raw, err := rpcClient.Dispense(rpcPluginKey)
	if err != nil {
		client.Kill()
		return nil, edgeerr.Wrap(edgeerr.Extension, "failed to dispense rpc extension", err)
	}

	ext, ok := raw.(*rpcClient)
	if !ok {
		client.Kill()
		return nil, edgeerr.New(edgeerr.Extension, "rpc extension dispensed the wrong type")
	}
	ext.processClient = client

	meta, err := ext.fetchMetadata()
	if err != nil {
		client.Kill()
		return nil, edgeerr.Wrap(edgeerr.Extension, "failed to read rpc extension metadata", err)
	}
	ext.meta = meta

	return ext, nil
}

// rpcClient is the host-side Extension implementation: every method is
// a net/rpc round trip to the subprocess, except Shutdown, which also
// tears down the supervised process once the extension confirms it is
// done.
type rpcClient struct {
	client        *rpc.Client
	processClient *goplugin.Client
	meta          Metadata
}

func (c *rpcClient) Metadata() Metadata { return c.meta }

func (c *rpcClient) fetchMetadata() (Metadata, error) {
	var resp Metadata
	err := c.client.Call("Plugin.Metadata", struct{}{}, &resp)
	return resp, err
}

func (c *rpcClient) Initialise(ctx context.Context, config map[string]any) error {
	var unused struct{}
	return c.client.Call("Plugin.Initialise", config, &unused)
}

func (c *rpcClient) Start(ctx context.Context) error {
	var unused struct{}
	return c.client.Call("Plugin.Start", struct{}{}, &unused)
}

func (c *rpcClient) Stop(ctx context.Context) error {
	var unused struct{}
	return c.client.Call("Plugin.Stop", struct{}{}, &unused)
}

func (c *rpcClient) Shutdown(ctx context.Context) error {
	var unused struct{}
	err := c.client.Call("Plugin.Shutdown", struct{}{}, &unused)
	if c.processClient != nil {
		c.processClient.Kill()
	}
	return err
}

func (c *rpcClient) HealthCheck(ctx context.Context) error {
	var unused struct{}
	return c.client.Call("Plugin.HealthCheck", struct{}{}, &unused)
}

// HandleCommandArgs/HandleCommandReply are net/rpc's request/response
// shapes for HandleCommand; net/rpc requires single-struct args.
type HandleCommandArgs struct {
	Name string
	Args map[string]any
}

type HandleCommandReply struct {
	Result map[string]any
}

func (c *rpcClient) HandleCommand(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	var reply HandleCommandReply
	err := c.client.Call("Plugin.HandleCommand", HandleCommandArgs{Name: name, Args: args}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// rpcServer adapts a real Extension to net/rpc's method-per-call
// convention, run inside cmd/edge-extension-host.
type rpcServer struct {
	impl Extension
}

func (s *rpcServer) Metadata(_ struct{}, resp *Metadata) error {
	*resp = s.impl.Metadata()
	return nil
}

func (s *rpcServer) Initialise(config map[string]any, _ *struct{}) error {
	return s.impl.Initialise(context.Background(), config)
}

func (s *rpcServer) Start(_ struct{}, _ *struct{}) error {
	return s.impl.Start(context.Background())
}

func (s *rpcServer) Stop(_ struct{}, _ *struct{}) error {
	return s.impl.Stop(context.Background())
}

func (s *rpcServer) Shutdown(_ struct{}, _ *struct{}) error {
	return s.impl.Shutdown(context.Background())
}

func (s *rpcServer) HealthCheck(_ struct{}, _ *struct{}) error {
	return s.impl.HealthCheck(context.Background())
}

func (s *rpcServer) HandleCommand(args HandleCommandArgs, reply *HandleCommandReply) error {
	result, err := s.impl.HandleCommand(context.Background(), args.Name, args.Args)
	if err != nil {
		return err
	}
	reply.Result = result
	return nil
}

// Serve runs impl as an RPC-isolated extension-host subprocess, never
// returning until the host process is killed by its parent. Called
// from cmd/edge-extension-host's main.
func Serve(impl Extension) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: rpcHandshake,
		Plugins:         pluginSet(impl),
		Logger:          hclog.New(&hclog.LoggerOptions{Name: "edge-extension-host", Level: hclog.Info}),
	})
}
