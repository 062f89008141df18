// z2m-ota - Zigbee OTA update orchestrator for Zigbee2MQTT
//
// z2m-ota watches the Zigbee2MQTT bridge for devices with a firmware update
// available and drives them through the update, a bounded number at a time.
// Stalled transfers are detected by a per-device watchdog and retried up to
// a configured limit.
//
// Configuration comes from an optional YAML file, Z2MOTA_* environment
// variables and command-line flags, in that order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/z2m-ota/internal/api"
	"github.com/nerrad567/z2m-ota/internal/bridges/zigbee2mqtt"
	"github.com/nerrad567/z2m-ota/internal/history"
	"github.com/nerrad567/z2m-ota/internal/infrastructure/config"
	"github.com/nerrad567/z2m-ota/internal/infrastructure/database"
	"github.com/nerrad567/z2m-ota/internal/infrastructure/influxdb"
	"github.com/nerrad567/z2m-ota/internal/infrastructure/logging"
	"github.com/nerrad567/z2m-ota/internal/infrastructure/mqtt"
	"github.com/nerrad567/z2m-ota/internal/ota"
	"github.com/nerrad567/z2m-ota/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnvVar names the config file when --config is not given.
const configEnvVar = "Z2MOTA_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		logging.Default().Error("z2m-ota failed", "error", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown, including when every update has
// finished and exit_when_done is set.
func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting z2m-ota",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.With("component", "mqtt"))
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bridge, err := zigbee2mqtt.NewBridge(zigbee2mqtt.Options{
		Topics:        mqtt.Topics{Base: cfg.Zigbee2MQTT.BaseTopic},
		MQTTClient:    mqttClient,
		Logger:        log.With("component", "zigbee2mqtt"),
		EnableMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	orch, err := ota.New(otaConfig(cfg.OTA), bridge, ota.Options{
		Logger:        log.With("component", "ota"),
		Observers:     []ota.Observer{newNoticeLogger(log.With("component", "ota"))},
		EnableMetrics: true,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	checks := []namedCheck{{"mqtt", mqttClient}}

	// Attempt history (optional)
	var (
		db       *database.DB
		repo     history.Repository
		recorder *history.Recorder
	)
	if cfg.Database.Path != "" {
		db, err = openHistory(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("attempt history enabled",
			"path", cfg.Database.Path,
			"retention_days", cfg.Database.RetentionDays,
		)

		repo = history.NewSQLiteRepository(db.DB)
		recorder = history.NewRecorder(repo, log.With("component", "history"))
		recorder.SetRetention(cfg.Database.Retention(), nil)
		orch.AddObserver(recorder)
		g.Go(func() error { return recorder.Run(gctx) })
		checks = append(checks, namedCheck{"database", db})
	} else {
		log.Info("attempt history disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		orch.AddObserver(influxdb.NewObserver(influxClient))
		checks = append(checks, namedCheck{"influxdb", influxClient})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		apiLog := log.With("component", "api")
		hub := api.NewHub(cfg.WebSocket, apiLog)
		orch.AddObserver(hub)
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})

		deps := api.Deps{
			Config:       cfg.API,
			WS:           cfg.WebSocket,
			Logger:       apiLog,
			Orchestrator: orch,
			Bridge:       bridge,
			History:      repo,
			Hub:          hub,
			Version:      version,
		}
		if db != nil {
			deps.Database = db
		}
		srv, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := srv.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// Reconnects re-request the device list so transfers that moved on
	// while disconnected are reconciled. The publish must not run on the
	// paho callback goroutine.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		go bridge.HandleReconnect()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := bridge.Start(ctx, orch); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer bridge.Stop()

	// The orchestrator returning ends the run, whether from a signal or
	// because every update has finished.
	g.Go(func() error {
		defer cancel()
		return orch.Run(gctx)
	})

	log.Info("initialisation complete",
		"max_concurrent", cfg.OTA.MaxConcurrent,
		"dry_run", cfg.OTA.DryRun,
		"exit_when_done", cfg.OTA.ExitWhenDone,
	)

	err = g.Wait()

	if recorder != nil && recorder.Dropped() > 0 {
		log.Warn("attempt history records dropped", "count", recorder.Dropped())
	}
	if err != nil {
		return err
	}

	stats := orch.Stats()
	log.Info("z2m-ota stopped",
		"devices", stats.Devices,
		"succeeded", stats.Outcomes[ota.StateSucceeded],
		"failed_attempts", stats.Outcomes[ota.StateFailed]+stats.Outcomes[ota.StateStalled],
		"failed_devices", stats.ByState[ota.StateFailed],
	)
	return nil
}

// loadConfig parses args, loads the config file they or the environment
// name, and applies flag overrides.
func loadConfig(args []string) (*config.Config, error) {
	flagSet := pflag.NewFlagSet("z2m-ota", pflag.ContinueOnError)
	var flags config.Flags
	flags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(getConfigPath(flags.ConfigPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := flags.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigPath returns the --config value, then Z2MOTA_CONFIG. An empty
// result means defaults and environment only.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(configEnvVar)
}

// otaConfig converts the file configuration to orchestrator settings.
func otaConfig(c config.OTAConfig) ota.Config {
	return ota.Config{
		MaxConcurrent:  c.MaxConcurrent,
		Timeout:        c.Timeout(),
		MaxRetries:     c.MaxRetries,
		DryRun:         c.DryRun,
		CheckOnStartup: c.CheckOnStartup,
		ExitWhenDone:   c.ExitWhenDone,
	}
}

// openHistory opens the attempt history database and applies migrations.
func openHistory(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name  string
	check healthChecker
}

// healthCheck verifies every connection, returning the first failure.
func healthCheck(ctx context.Context, checks []namedCheck) error {
	for _, c := range checks {
		if err := c.check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}
