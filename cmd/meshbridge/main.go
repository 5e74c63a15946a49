// meshbridge forwards Meshtastic mesh traffic to per-channel MQTT brokers
// and, where configured, broker messages back onto the mesh as text.
//
// The mesh is reached through a gateway node's MQTT JSON interface. Each
// mesh channel gets its own broker session, described by the channel
// bridge document (mqtt_config.json by default).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/meshbridge/internal/audit"
	"github.com/nerrad567/meshbridge/internal/bridge"
	"github.com/nerrad567/meshbridge/internal/infrastructure/config"
	"github.com/nerrad567/meshbridge/internal/infrastructure/database"
	"github.com/nerrad567/meshbridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshbridge/internal/mesh"
	"github.com/nerrad567/meshbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is the service configuration used when neither
// --config nor MESHBRIDGE_CONFIG is given.
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the parsed command line.
type flags struct {
	configPath   string
	bridgeConfig string
	showVersion  bool
}

// parseFlags parses args. A nil result with a nil error means help was
// printed and the process should exit cleanly.
func parseFlags(args []string, out io.Writer) (*flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("meshbridge", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&f.configPath, "config", "c", "", "service configuration file (default: $MESHBRIDGE_CONFIG or "+defaultConfigPath+")")
	fs.StringVar(&f.bridgeConfig, "bridge-config", "", "channel bridge document, overrides bridge.config_file")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, nil
		}
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

// run is the application, separated from main for testability.
func run(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseFlags(args, out)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	if f.showVersion {
		fmt.Fprintf(out, "meshbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Default logger until config is loaded
	log := logging.Default()
	log.Info("starting meshbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(f.configPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if f.bridgeConfig != "" {
		cfg.Bridge.ConfigFile = f.bridgeConfig
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"bridge_config", cfg.Bridge.ConfigFile,
		"level", cfg.Logging.Level,
	)

	// Event log (optional)
	var (
		recorder bridge.EventRecorder
		checks   []bridge.HealthCheck
	)
	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		applied, err := db.Migrate(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("event log ready", "path", db.Path(), "migrations_applied", applied)

		recorder = audit.NewRecorder(audit.NewSQLiteRepository(db.DB), log.Component("audit"))
		checks = append(checks, bridge.HealthCheck{Name: "event_log", Check: db.HealthCheck})
	} else {
		log.Info("event log disabled")
	}

	nodeNum, err := mesh.ParseNodeID(cfg.Gateway.NodeID)
	if err != nil {
		return fmt.Errorf("gateway node id: %w", err)
	}

	// The gateway is built before the link connects so the connect
	// callback has something to start.
	link := &linkAdapter{}
	gateway, err := mesh.NewGateway(mesh.GatewayConfig{
		RootTopic: cfg.Gateway.RootTopic,
		NodeNum:   nodeNum,
		QoS:       byte(cfg.Gateway.MQTT.QoS),
		LoRa:      loraConfig(cfg.Gateway),
	}, link)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	meshLog := log.Component("mesh")
	gateway.SetLogger(meshLog)

	guard := mesh.NewGuard(gateway, mesh.GuardConfig{
		RatePerSecond:   cfg.Bridge.Downlink.RatePerSecond,
		Burst:           cfg.Bridge.Downlink.Burst,
		BreakerFailures: uint32(cfg.Bridge.Downlink.BreakerFailures), //nolint:gosec // validated non-negative
		BreakerCooldown: cfg.GetBreakerCooldown(),
		SendTimeout:     cfg.GetSendTimeout(),
	})
	guard.SetLogger(meshLog)

	b, err := bridge.New(bridge.Options{
		ClientFactory:   newSessionFactory(log.Component("session")),
		ConfigFile:      cfg.Bridge.ConfigFile,
		Events:          recorder,
		Logger:          log.Component("bridge"),
		ConnectTimeout:  cfg.GetConnectTimeout(),
		SendTimeout:     cfg.GetSendTimeout(),
		FlushDelay:      cfg.GetShutdownFlush(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	gateway.SetOnPacket(func(p mesh.Packet) {
		b.OnMeshPacket(p, guard)
	})

	// Link events are queued and handled in order on one goroutine; the
	// first connect fires before mqtt.Connect returns.
	events := make(chan linkEvent, linkEventBuffer)
	client, err := mqtt.Connect(cfg.Gateway.MQTT,
		mqtt.WithLogger(log.Component("gateway-link")),
		mqtt.WithOnConnect(func() { queueLinkEvent(ctx, events, linkEvent{up: true}) }),
		mqtt.WithOnDisconnect(func(err error) { queueLinkEvent(ctx, events, linkEvent{err: err}) }),
	)
	if err != nil {
		return fmt.Errorf("connecting to gateway broker: %w", err)
	}
	defer func() {
		log.Info("disconnecting gateway link")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing gateway link", "error", closeErr)
		}
	}()
	link.setClient(client)
	log.Info("gateway link connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Gateway.MQTT.Broker.Host, cfg.Gateway.MQTT.Broker.Port),
		"client_id", cfg.Gateway.MQTT.Broker.ClientID,
		"uplink", gateway.UplinkTopic(),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchLink(ctx, events, gateway, guard, b, log)
	}()

	var health *bridge.HealthReporter
	if cfg.Health.Enabled {
		health = bridge.NewHealthReporter(b, bridge.HealthReporterConfig{
			Topic:     mqtt.Topics{}.Health(client.ClientID()),
			Version:   version,
			Interval:  cfg.GetHealthInterval(),
			Publisher: client,
			Checks:    append(checks, bridge.HealthCheck{Name: "gateway_link", Check: client.HealthCheck}),
			Downlink:  guard,
		})
		health.Start(ctx)
		log.Info("health reporter started", "topic", mqtt.Topics{}.Health(client.ClientID()))
	}

	log.Info("meshbridge running")
	<-ctx.Done()
	log.Info("shutdown signal received")

	wg.Wait()
	b.Shutdown()
	if health != nil {
		health.Stop()
	}

	// Deferred Close() calls run in reverse order:
	// 1. Gateway link
	// 2. Database (if enabled)

	log.Info("meshbridge stopped")
	return nil
}

// getConfigPath resolves the service configuration path: flag, then
// MESHBRIDGE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("MESHBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the service configuration. A missing file at the
// default path falls back to built-in defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default()
		}
	}
	return config.Load(path)
}

// loraConfig returns the reported radio settings, or nil if none are set.
func loraConfig(gw config.GatewayConfig) *mesh.LoRaConfig {
	if gw.Region == "" && gw.ModemPreset == "" {
		return nil
	}
	return &mesh.LoRaConfig{Region: gw.Region, ModemPreset: gw.ModemPreset}
}
