// Command edgecored is the edge control plane daemon: it loads a
// configuration file, wires the device, command, automation, agent,
// and extension planes to a shared event bus and storage backend, and
// serves the dashboard event stream and metrics endpoint until asked
// to shut down.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecore-io/edgecore/internal/agent"
	"github.com/edgecore-io/edgecore/internal/automation"
	"github.com/edgecore-io/edgecore/internal/commands"
	"github.com/edgecore-io/edgecore/internal/config"
	"github.com/edgecore-io/edgecore/internal/devices"
	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/extensions"
	"github.com/edgecore-io/edgecore/internal/llm"
	"github.com/edgecore-io/edgecore/internal/observability"
	"github.com/edgecore-io/edgecore/internal/rules"
	"github.com/edgecore-io/edgecore/internal/storage"
	"github.com/edgecore-io/edgecore/internal/tools/homeassistant"
	"github.com/edgecore-io/edgecore/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath = flag.String("config", "edgecore.yaml", "path to the YAML configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		slog.Error("edgecored exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting edgecored", "version", version, "commit", commit, "config", configPath)

	backend, closeBackend, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeBackend()

	bus := eventbus.New()
	priorityBus := eventbus.NewPriorityBus(bus, cfg.EventBus.QueueCapacity)
	priorityBus.StartDrainer(cfg.EventBus.DrainInterval, cfg.EventBus.DrainBatch)
	defer priorityBus.StopDrainer()

	timeseries := storage.NewTimeSeries(backend)
	valueProvider := rules.New().WithDefaultTTL(cfg.Automation.RuleValueTTL)

	deviceRegistry := devices.NewRegistry()
	deviceService := devices.NewService(deviceRegistry, timeseries, priorityBus, true)
	deviceService.SetValueSink(valueProvider)
	wireDeviceAdapters(ctx, cfg.Devices, deviceService, logger)

	commandStore := commands.NewStateStore(backend, cfg.Storage.CacheCapacity)
	commandManager := commands.NewManager(commandStore, deviceService, priorityBus.Inner(), logger)
	go commandManager.Run(ctx)
	defer commandManager.Stop()

	dispatchAdapter := &commandDispatchAdapter{manager: commandManager}

	ruleEngine := automation.NewEngine(valueProvider, dispatchAdapter, priorityBus.Inner(), logger)
	priorityBus.Inner().Subscribe(func(ctx context.Context, event eventbus.Event) {
		if event.Kind != eventbus.KindDeviceMetric {
			return
		}
		if metric, ok := event.Payload.(devices.ExtractedMetric); ok {
			occurrence := strconv.FormatInt(metric.Timestamp, 10)
			ruleEngine.OnMetricUpdate(ctx, event.Metadata.Source, metric.Name, occurrence)
		}
	})

	extRegistry := buildExtensionRegistry(cfg.Extensions, backend, logger)
	extRegistry.AutoStart(ctx)

	executor := automation.NewExecutor(valueProvider, dispatchAdapter, nil, extRegistry, timeseriesQuerier{ts: timeseries}, logger)
	compReg := automation.NewCompensationRegistry(dispatchAdapter, nil)
	workflowStore := automation.NewBackendWorkflowStore(backend)
	workflowEngine := automation.NewWorkflowEngine(workflowStore, executor, compReg, priorityBus.Inner(), logger)
	triggerManager := automation.NewTriggerManager(workflowEngine, priorityBus.Inner(), logger)
	go triggerManager.Run(ctx, time.Second)
	defer triggerManager.Stop()

	agentRuntime, err := buildAgentRuntime(cfg.Agent, deviceService, extRegistry, logger)
	if err != nil {
		return fmt.Errorf("build agent runtime: %w", err)
	}

	hub := transport.NewEventHub(priorityBus.Inner(), logger)

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.Handle("/agent/converse", newAgentHandler(agentRuntime))
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort), Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort), Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() { errCh <- serveUntilClosed(httpServer) }()
	go func() { errCh <- serveUntilClosed(metricsServer) }()

	logger.Info(ctx, "edgecored started",
		"http_addr", httpServer.Addr,
		"metrics_addr", metricsServer.Addr,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info(ctx, "shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "edgecored stopped")
	return nil
}

func serveUntilClosed(server *http.Server) error {
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func openStorage(cfg config.StorageConfig) (storage.Backend, func(), error) {
	backend, err := storage.NewSQLiteBackend(storage.SQLiteConfig{
		Path:          cfg.Path,
		CreateDirs:    true,
		CacheCapacity: cfg.CacheCapacity,
	})
	if err != nil {
		return nil, nil, err
	}
	return backend, func() { _ = backend.Close() }, nil
}

// commandDispatchAdapter adapts *commands.Manager's Submit method to the
// automation plane's narrower ActionDispatcher/CommandSender interfaces,
// which describe a command in terms of (device, command, params, reason)
// rather than a full commands.Request.
type commandDispatchAdapter struct {
	manager *commands.Manager
}

func (a *commandDispatchAdapter) Dispatch(ctx context.Context, deviceID, commandName string, params map[string]any, reason string) error {
	req := commands.NewRequest(deviceID, commandName, params, commands.Source{Kind: commands.SourceRule, RuleID: reason})
	return a.manager.Submit(ctx, req)
}

// timeseriesQuerier adapts *storage.TimeSeries to automation.DataQuerier.
// Queries are "source:metric", resolving to the latest recorded point —
// the one shape every DataQuery step in practice needs: "what's the
// current reading".
type timeseriesQuerier struct {
	ts *storage.TimeSeries
}

func (q timeseriesQuerier) Query(ctx context.Context, query string) (map[string]any, error) {
	source, metric, ok := strings.Cut(query, ":")
	if !ok {
		return nil, edgeerr.Newf(edgeerr.InvalidArgument, "data query must be \"source:metric\", got %q", query)
	}
	point, found, err := q.ts.Latest(ctx, source, metric)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, edgeerr.Newf(edgeerr.NotFound, "no data for %s:%s", source, metric)
	}
	return map[string]any{"timestamp": point.Timestamp, "value": point.Value}, nil
}

func wireDeviceAdapters(ctx context.Context, cfg config.DevicesConfig, service *devices.Service, logger *observability.Logger) {
	if cfg.MQTT.Enabled {
		host, port := splitBrokerAddr(cfg.MQTT.BrokerURL)
		adapter := devices.NewMQTTAdapter("mqtt", devices.MQTTConfig{
			Broker:           host,
			Port:             port,
			ClientID:         cfg.MQTT.ClientID,
			Username:         cfg.MQTT.Username,
			Password:         cfg.MQTT.Password,
			KeepAliveSeconds: uint16(cfg.MQTT.KeepAlive.Seconds()),
		})
		startAdapter(ctx, "mqtt", adapter, service, logger)
	}
	if cfg.Modbus.Enabled {
		adapter := devices.NewModbusAdapter("modbus")
		startAdapter(ctx, "modbus", adapter, service, logger)
	}
	if cfg.HASS.Enabled {
		adapter, err := devices.NewHASSAdapter("hass", devices.HASSConfig{
			Client:       homeassistant.Config{BaseURL: cfg.HASS.BaseURL, Token: cfg.HASS.Token},
			PollInterval: cfg.HASS.PollInterval,
		})
		if err != nil {
			logger.Error(ctx, "home assistant adapter misconfigured", "error", err)
		} else {
			startAdapter(ctx, "hass", adapter, service, logger)
		}
	}
	if cfg.Webhook.Enabled {
		adapter := devices.NewWebhookAdapter("webhook", devices.WebhookConfig{
			ListenAddr: ":8090",
			PathPrefix: cfg.Webhook.Path,
		})
		startAdapter(ctx, "webhook", adapter, service, logger)
	}
}

// splitBrokerAddr parses a "host:port" (optionally "tcp://host:port")
// broker address into its components, defaulting to the standard MQTT
// port when none is given.
func splitBrokerAddr(addr string) (string, int) {
	addr = strings.TrimPrefix(addr, "tcp://")
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 1883
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 1883
	}
	return host, port
}

func startAdapter(ctx context.Context, adapterID string, adapter devices.Adapter, service *devices.Service, logger *observability.Logger) {
	if err := adapter.Start(ctx); err != nil {
		logger.Error(ctx, "adapter failed to start", "adapter", adapterID, "error", err)
		return
	}
	service.RegisterAdapter(adapterID, adapter)
}

// extensionHostBinary locates the edge-extension-host binary expected
// to sit alongside this one, since the RPC loader launches it as a
// child process per loaded extension rather than reusing this binary.
func extensionHostBinary() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	host := filepath.Join(filepath.Dir(self), "edge-extension-host")
	if _, err := os.Stat(host); err != nil {
		return "", fmt.Errorf("locate edge-extension-host next to %s: %w", self, err)
	}
	return host, nil
}

func buildExtensionRegistry(cfg config.ExtensionsConfig, backend storage.Backend, logger *observability.Logger) *extensions.Registry {
	loaders := map[extensions.Kind]extensions.Loader{
		extensions.KindNative: extensions.NewNativeLoader(cfg.Paths),
	}
	if cfg.RPC.Enabled {
		if hostBinary, err := extensionHostBinary(); err == nil {
			loaders[extensions.KindRPC] = extensions.NewRPCLoader(hostBinary)
		} else {
			logger.Error(context.Background(), "rpc extensions disabled: could not locate edge-extension-host", "error", err)
		}
	}
	if cfg.WASM.Enabled {
		loaders[extensions.KindWASM] = extensions.NewWASMLoader(extensions.WASMConfig{
			FuelLimit:   cfg.WASM.FuelLimit,
			ExecTimeout: cfg.WASM.ExecTimeout,
		})
	}
	store := extensions.NewStore(backend)
	return extensions.NewRegistry(loaders, store, logger)
}

func buildAgentRuntime(cfg config.AgentConfig, deviceService *devices.Service, extRegistry *extensions.Registry, logger *observability.Logger) (*agent.Runtime, error) {
	registry := llm.NewRegistry()
	registry.Register(llm.OllamaFactory{})
	registry.Register(llm.OpenAIFactory{})
	registry.Register(llm.AnthropicFactory{})
	registry.Register(llm.MockFactory{})

	providerCfg, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, edgeerr.Newf(edgeerr.InvalidArgument, "no provider configured for agent.default_provider %q", cfg.DefaultProvider)
	}

	backendID, err := resolveBackendID(providerCfg.Driver)
	if err != nil {
		return nil, err
	}

	backend, err := registry.Create(backendID, map[string]any{
		"endpoint": providerCfg.BaseURL,
		"api_key":  providerCfg.APIKey,
		"model":    providerCfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm backend %q: %w", backendID, err)
	}

	tools := agent.NewRegistry()
	registerDeviceTools(tools, deviceService, extRegistry)

	limiter := llm.NewSessionLimiter(llm.LimiterConfig{
		GlobalLimit:     int64(cfg.Concurrency.GlobalPermits),
		PerSessionLimit: int64(cfg.Concurrency.PerSession),
	})

	runtime := agent.NewRuntime(backend, tools, limiter, agent.Config{
		SystemPrompt:      "You control edge IoT devices through the tools available to you. Be precise about device IDs and command parameters.",
		ContextBudget:     cfg.ContextWindow,
		MaxToolIterations: agent.DefaultMaxToolIterations,
	})
	return runtime, nil
}

// resolveBackendID maps the configuration file's driver string onto an
// llm.Registry backend id. "anthropic" selects the Claude backend
// directly; "openai-compat" covers both real OpenAI and any
// OpenAI-compatible endpoint since they share a wire format.
func resolveBackendID(driver string) (string, error) {
	switch driver {
	case "ollama":
		return "ollama", nil
	case "openai-compat":
		return "openai", nil
	case "anthropic":
		return "anthropic", nil
	case "mock":
		return "mock", nil
	default:
		return "", edgeerr.Newf(edgeerr.InvalidArgument, "unknown agent provider driver %q", driver)
	}
}

func registerDeviceTools(tools *agent.Registry, service *devices.Service, extRegistry *extensions.Registry) {
	sendCommandMeta := agent.Metadata{Category: "devices"}
	_ = tools.Register(agent.NewFuncTool(
		"send_device_command",
		"Send a command to a registered device by id.",
		[]byte(`{
			"type": "object",
			"properties": {
				"device_id": {"type": "string"},
				"command": {"type": "string"},
				"params": {"type": "object"}
			},
			"required": ["device_id", "command"]
		}`),
		sendCommandMeta,
		func(ctx context.Context, raw json.RawMessage) (agent.ToolOutput, error) {
			var args struct {
				DeviceID string         `json:"device_id"`
				Command  string         `json:"command"`
				Params   map[string]any `json:"params"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return agent.ToolOutput{}, err
			}
			if err := service.SendCommand(ctx, args.DeviceID, args.Command, args.Params); err != nil {
				return agent.ToolOutput{Success: false, Error: err.Error()}, nil
			}
			return agent.ToolOutput{Success: true}, nil
		},
	), sendCommandMeta)

	invokeExtensionMeta := agent.Metadata{Category: "extensions"}
	_ = tools.Register(agent.NewFuncTool(
		"invoke_extension",
		"Invoke a loaded extension's command.",
		[]byte(`{
			"type": "object",
			"properties": {
				"extension_id": {"type": "string"},
				"command": {"type": "string"},
				"args": {"type": "object"}
			},
			"required": ["extension_id", "command"]
		}`),
		invokeExtensionMeta,
		func(ctx context.Context, raw json.RawMessage) (agent.ToolOutput, error) {
			var args struct {
				ExtensionID string         `json:"extension_id"`
				Command     string         `json:"command"`
				Args        map[string]any `json:"args"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return agent.ToolOutput{}, err
			}
			result, err := extRegistry.Invoke(ctx, args.ExtensionID, map[string]any{
				"command": args.Command,
				"args":    args.Args,
			})
			if err != nil {
				return agent.ToolOutput{Success: false, Error: err.Error()}, nil
			}
			return agent.ToolOutput{Success: true, Data: result}, nil
		},
	), invokeExtensionMeta)
}
