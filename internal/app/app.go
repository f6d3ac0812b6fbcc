// Package app assembles the collector from configuration: sensor registry,
// storage, poller, mirrors and the ops server
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"

	"sensorhub/internal/api"
	"sensorhub/internal/bus"
	"sensorhub/internal/config"
	"sensorhub/internal/events"
	"sensorhub/internal/influx"
	"sensorhub/internal/logging"
	"sensorhub/internal/metrics"
	"sensorhub/internal/mqtt"
	"sensorhub/internal/poller"
	"sensorhub/internal/registry"
	"sensorhub/internal/sensor"
	"sensorhub/internal/storage"
)

// eventsSize is the number of operational events kept in memory
const eventsSize = 500

// Options overrides configuration values for one run
type Options struct {
	// Interval replaces the configured poll interval when non-zero
	Interval time.Duration

	// Drivers replaces the built-in driver set
	Drivers *sensor.Drivers

	// Buses replaces the periph bus manager
	Buses sensor.BusOpener
}

// App is a fully wired collector
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	buses   *bus.Manager
	sensors *registry.Set
	store   *storage.BoltStorage
	mqtt    *mqtt.Client
	influx  *influx.Mirror
	hub     *api.Hub
	ops     net.Listener
	metrics *metrics.Metrics
	events  *events.Store
	poller  *poller.Poller
}

// New builds every component. On error everything opened so far is closed.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (a *App, err error) {
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	interval := cfg.PollInterval()
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	drivers := opts.Drivers
	if drivers == nil {
		drivers = registry.Builtin()
	}

	env := sensor.Env{
		Buses:   opts.Buses,
		Timeout: cfg.ReadTimeout(),
		Logger:  logger,
	}
	if env.Buses == nil {
		a.buses = bus.NewManager(logger)
		env.Buses = defaultBus{m: a.buses, name: cfg.I2CBus()}
	}

	a.sensors, err = registry.Load(cfg.SensorsFile(), drivers, env)
	if err != nil {
		return a, err
	}
	a.sensors.LogSummary(logger)

	if addr := cfg.OpsAddr(); addr != "" {
		if a.ops, err = api.Listen(addr); err != nil {
			return a, err
		}
	}

	a.store, err = storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return a, fmt.Errorf("failed to open database: %w", err)
	}
	if err := a.store.SyncSensors(a.sensors.Descriptors()); err != nil {
		return a, fmt.Errorf("failed to sync sensors: %w", err)
	}

	var mirrors []poller.Mirror

	if cfg.MQTTBroker() != "" {
		pahomqtt.ERROR = logging.StdLogger(logger, zerolog.ErrorLevel)
		pahomqtt.CRITICAL = logging.StdLogger(logger, zerolog.ErrorLevel)
		pahomqtt.WARN = logging.StdLogger(logger, zerolog.WarnLevel)

		a.mqtt, err = mqtt.New(mqtt.Config{
			Broker:    cfg.MQTTBroker(),
			ClientID:  cfg.MQTTClientID(),
			Username:  cfg.MQTTUsername(),
			Password:  cfg.MQTTPassword(),
			Prefix:    cfg.MQTTPrefix(),
			UseTLS:    cfg.MQTTUseTLS(),
			Discovery: cfg.MQTTDiscovery(),
		}, logger)
		if err != nil {
			return a, err
		}
		mirrors = append(mirrors, mqtt.NewMirror(a.mqtt, a.sensors.Descriptors(), a.store, logger))
	}

	influxCfg := influx.Config{
		URL:    cfg.InfluxURL(),
		Token:  cfg.InfluxToken(),
		Org:    cfg.InfluxOrg(),
		Bucket: cfg.InfluxBucket(),
	}
	if influxCfg.Enabled() {
		a.influx, err = influx.New(influxCfg, logger)
		if err != nil {
			return a, err
		}
		mirrors = append(mirrors, a.influx)
	}

	a.metrics = metrics.New()
	a.events = events.NewStore(eventsSize, interval)

	if a.ops != nil {
		a.hub = api.NewHub(logger)
		mirrors = append(mirrors, a.hub)
	}

	a.poller, err = poller.New(a.sensors.All(), a.store, poller.Options{
		Interval: interval,
		Logger:   logger,
		Meta:     a.store,
		Mirrors:  mirrors,
		Observer: poller.Observers{a.metrics, a.events},
	})
	if err != nil {
		return a, err
	}

	return a, nil
}

// Poller returns the polling loop
func (a *App) Poller() *poller.Poller {
	return a.poller
}

// Storage returns the database
func (a *App) Storage() *storage.BoltStorage {
	return a.store
}

// Events returns the operational event log
func (a *App) Events() *events.Store {
	return a.events
}

// OpsAddr returns the bound ops address, empty when the server is disabled
func (a *App) OpsAddr() string {
	if a.ops == nil {
		return ""
	}
	return a.ops.Addr().String()
}

// Run polls until ctx is cancelled, serving the ops endpoints alongside
// when an address is configured. An ops server failure is logged and
// does not stop polling.
func (a *App) Run(ctx context.Context) error {
	if a.influx != nil {
		if err := a.influx.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("InfluxDB not reachable, readings will still be stored locally")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.ops != nil {
		srv := api.NewServer(a.poller, a.events, a.metrics, a.hub, a.logger)
		g.Go(func() error {
			if err := srv.Serve(ctx, a.ops); err != nil {
				a.logger.Error().Err(err).Msg("Ops server stopped, polling continues")
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.poller.Run(ctx)
	})

	return g.Wait()
}

// Close releases sensors, buses, connections and the database
func (a *App) Close() error {
	var errs []error

	if a.hub != nil {
		a.hub.Close()
	}
	if a.ops != nil {
		// already closed when Run served on it
		a.ops.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sensors != nil {
		if err := a.sensors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.buses != nil {
		if err := a.buses.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// defaultBus resolves an empty descriptor bus to the configured one
type defaultBus struct {
	m    *bus.Manager
	name string
}

func (d defaultBus) Open(name string) (i2c.Bus, error) {
	if name == "" {
		name = d.name
	}
	return d.m.Open(name)
}

func (d defaultBus) OpenMux(name string, muxAddr uint16, channel uint8) (i2c.Bus, error) {
	if name == "" {
		name = d.name
	}
	return d.m.OpenMux(name, muxAddr, channel)
}
