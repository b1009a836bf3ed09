// Treeow Bridge - cloud appliance integration core
//
// This is the main entry point for the Treeow bridge. It mirrors the
// appliances on a Treeow cloud account, exposes them as Home Assistant
// entities over MQTT, and serves an operator HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/treeow-bridge/migrations"

	"github.com/nerrad567/treeow-bridge/internal/api"
	"github.com/nerrad567/treeow-bridge/internal/audit"
	"github.com/nerrad567/treeow-bridge/internal/auth"
	"github.com/nerrad567/treeow-bridge/internal/bridge"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/config"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/database"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/treeow-bridge/internal/state"
	"github.com/nerrad567/treeow-bridge/internal/treeow"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often old history and audit entries are deleted.
const pruneInterval = 6 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute parses command-line flags and either mints an API token, rolls
// back a schema migration or runs the bridge.
func execute(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("treeowbridge", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "path to config.yaml (or TREEOW_CONFIG)")
	issueToken := fs.String("issue-token", "", "print an API token for this subject and exit")
	role := fs.String("role", string(auth.RoleOperator), "role for -issue-token: viewer, operator or admin")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "lifetime for -issue-token")
	migrateDown := fs.Bool("migrate-down", false, "roll back the most recent schema migration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *issueToken != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		tok, err := auth.GenerateAccessToken(*issueToken, auth.Role(*role), cfg.API.JWTSecret, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, tok)
		return nil
	}
	if *migrateDown {
		return rollbackMigration(ctx, *configPath, stdout)
	}

	return run(ctx, *configPath)
}

// rollbackMigration undoes the latest applied migration.
func rollbackMigration(ctx context.Context, configPath string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	version, err := db.MigrateDown(ctx)
	if err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	if version == "" {
		fmt.Fprintln(stdout, "no migrations applied")
		return nil
	}
	fmt.Fprintf(stdout, "rolled back migration %s\n", version)
	return nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Treeow bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	history := device.NewSQLiteHistoryRepository(db.DB)
	catalog := device.NewSQLiteCatalog(db.DB)
	auditLog := audit.NewSQLiteRepository(db.DB)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	var metrics device.MetricWriter
	if influxClient != nil {
		metrics = influxClient
	}
	recorder := device.NewRecorder(history, metrics, log.Component("recorder"))

	// Vendor client
	vendor, err := treeow.NewClient(vendorOptions(cfg, log))
	if err != nil {
		return fmt.Errorf("creating Treeow client: %w", err)
	}
	if startErr := vendor.Start(ctx); startErr != nil {
		return fmt.Errorf("starting heartbeats: %w", startErr)
	}
	defer func() {
		log.Info("stopping heartbeats")
		vendor.Stop()
	}()

	// MQTT and the entity bridge (optional)
	var (
		mqttClient *mqtt.Client
		br         *bridge.Bridge
		adapter    state.Adapter
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		br, err = bridge.New(bridgeOptions(cfg, mqttClient, mqttClient.Topics(), log))
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
		adapter = br
	} else {
		log.Info("MQTT disabled, entities will not be published")
	}

	sync, err := state.New(syncOptions(cfg, vendor, adapter, recorder, catalog, log))
	if err != nil {
		return fmt.Errorf("creating synchronizer: %w", err)
	}
	defer func() {
		log.Info("stopping synchronizer")
		sync.Close()
	}()

	if br != nil {
		br.SetSource(sync)
		if startErr := br.Start(ctx); startErr != nil {
			return fmt.Errorf("starting bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping bridge")
			br.Stop()
		}()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing entities")
			go br.PublishAll()
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	}

	// Initial discovery. A failure here is retried by the sync loop.
	if discErr := sync.Discover(ctx); discErr != nil {
		log.Warn("initial discovery failed", "error", discErr)
	} else {
		log.Info("initial discovery complete", "devices", sync.Status().Devices)
	}

	// Operator API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			Logger:      log.Component("api"),
			Source:      sync,
			History:     history,
			Audit:       auditLog,
			CommandWait: commandWait(cfg),
			Version:     version,
		}
		if br != nil {
			deps.Republisher = br
			deps.MQTT = mqttClient
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	go pruneLoop(ctx, time.Duration(cfg.Sync.HistoryRetention)*24*time.Hour, log, []pruner{
		{name: "state history", prune: history.PruneHistory},
		{name: "audit log", prune: auditLog.Prune},
	})
	if influxClient != nil {
		go writeSyncStatsLoop(ctx, influxClient, sync, cfg.GetPollInterval())
	}

	log.Info("initialisation complete, syncing until shutdown")
	if runErr := sync.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("sync loop: %w", runErr)
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("Treeow bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TREEOW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TREEOW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// bridgeOptions maps the MQTT section onto entity adapter options.
func bridgeOptions(cfg *config.Config, client bridge.MQTTClient, topics mqtt.Topics, log *logging.Logger) bridge.Options {
	return bridge.Options{
		MQTTClient: client,
		Topics:     topics,
		Version:    version,
		QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		Logger:     log.Component("bridge"),
	}
}

// vendorOptions maps the vendor section onto client options.
func vendorOptions(cfg *config.Config, log *logging.Logger) treeow.Options {
	opts := treeow.Options{
		BaseURL:     cfg.Vendor.BaseURL,
		Token:       cfg.Vendor.Token,
		AppVersion:  cfg.Vendor.AppVersion,
		OSVersion:   cfg.Vendor.OSVersion,
		Timeout:     cfg.GetVendorTimeout(),
		ModelTTL:    time.Duration(cfg.Vendor.ModelTTL) * time.Second,
		PageSize:    cfg.Vendor.PageSize,
		VerifyWrite: cfg.Vendor.VerifyWrite,
		PushURL:     cfg.Vendor.PushURL,
		Logger:      log.Component("treeow"),
	}
	if cfg.Vendor.Heartbeat {
		opts.Heartbeat = treeow.DefaultHeartbeat
	}
	return opts
}

// syncOptions maps the sync, roles and command sections onto synchronizer
// options. Config validation has already checked the filter modes and kinds.
func syncOptions(cfg *config.Config, vendor state.Vendor, adapter state.Adapter, recorder state.Recorder, catalog device.Catalog, log *logging.Logger) state.Options {
	deviceMode, _ := device.ParseFilterMode(cfg.Sync.DeviceFilter.Mode) //nolint:errcheck // validated
	entity := device.EntityFilter{LoadAll: cfg.Sync.EntityFilter.LoadAll}
	for _, k := range cfg.Sync.EntityFilter.Kinds {
		if kind, ok := capability.ParseKind(k); ok {
			entity.Kinds = append(entity.Kinds, kind)
		}
	}
	if len(cfg.Sync.EntityFilter.Devices) > 0 {
		entity.Devices = make(map[string]device.Filter, len(cfg.Sync.EntityFilter.Devices))
		for id, f := range cfg.Sync.EntityFilter.Devices {
			mode, _ := device.ParseFilterMode(f.Mode) //nolint:errcheck // validated
			entity.Devices[id] = device.Filter{Mode: mode, Targets: f.Targets}
		}
	}

	retry := command.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Command.MaxAttempts
	retry.InitialDelay = time.Duration(cfg.Command.InitialDelayMS) * time.Millisecond
	retry.MaxDelay = time.Duration(cfg.Command.MaxDelayMS) * time.Millisecond
	retry.CallTimeout = time.Duration(cfg.Command.CallTimeout) * time.Second

	return state.Options{
		Vendor:   vendor,
		Adapter:  adapter,
		Recorder: recorder,
		Catalog:  catalog,
		Roles: capability.Roles{
			Power: cfg.Roles.Power,
			Speed: cfg.Roles.Speed,
			Mode:  cfg.Roles.Mode,
		},
		DeviceFilter:        device.DeviceFilter{Mode: deviceMode, Targets: cfg.Sync.DeviceFilter.Targets},
		EntityFilter:        entity,
		PollInterval:        cfg.GetPollInterval(),
		AvailabilityTimeout: cfg.GetAvailabilityTimeout(),
		DiscoveryInterval:   cfg.GetDiscoveryInterval(),
		ReadTimeout:         cfg.GetVendorTimeout(),
		MaxConcurrentReads:  cfg.Sync.MaxConcurrentReads,
		Retry:               retry,
		VerifyWrites:        true,
		Logger:              log.Component("sync"),
	}
}

// commandWait keeps a waiting API command inside the HTTP write timeout.
func commandWait(cfg *config.Config) time.Duration {
	wt := cfg.GetWriteTimeout()
	if wt <= time.Second {
		return 0
	}
	return wt - time.Second
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// pruner deletes rows older than a retention window.
type pruner struct {
	name  string
	prune func(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneLoop runs every pruner now and then every pruneInterval until ctx
// ends. A non-positive retention keeps everything.
func pruneLoop(ctx context.Context, retention time.Duration, log *logging.Logger, pruners []pruner) {
	if retention <= 0 {
		return
	}
	run := func() {
		for _, p := range pruners {
			n, err := p.prune(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("pruning failed", "table", p.name, "error", err)
				}
				continue
			}
			if n > 0 {
				log.Info("pruned old entries", "table", p.name, "deleted", n)
			}
		}
	}

	run()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// statusSource reports synchronizer counters.
type statusSource interface {
	Status() state.Status
}

// writeSyncStatsLoop writes synchronizer counters to InfluxDB every
// interval until ctx ends.
func writeSyncStatsLoop(ctx context.Context, client *influxdb.Client, source statusSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := source.Status()
			client.WriteSyncStats(influxdb.SyncStats{
				Devices:       st.Devices,
				Available:     st.Available,
				Bindings:      st.Bindings,
				PendingWrites: st.PendingWrites,
			})
		}
	}
}
