package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
	"github.com/openjobspec/ojs-campaigns-nats/internal/engine"
	natsbackend "github.com/openjobspec/ojs-campaigns-nats/internal/nats"
)

// Config holds server configuration from environment variables.
type Config struct {
	Port       string `env:"CAMPAIGNS_PORT" envDefault:"8080"`
	GRPCPort   string `env:"CAMPAIGNS_GRPC_PORT" envDefault:"9090"`
	NatsURL    string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	LedgerPath string `env:"CAMPAIGNS_LEDGER_PATH" envDefault:"data/ledger.db"`
	Timezone   string `env:"CAMPAIGNS_TIMEZONE" envDefault:"Europe/Moscow"`

	PoolSize         int           `env:"CAMPAIGNS_POOL_SIZE" envDefault:"4"`
	Class            string        `env:"CAMPAIGNS_CLASS" envDefault:"carts"`
	ClassLimit       int           `env:"CAMPAIGNS_CLASS_LIMIT" envDefault:"4"`
	PricePerStep     int64         `env:"CAMPAIGNS_PRICE_PER_STEP" envDefault:"5"`
	MinInterval      time.Duration `env:"CAMPAIGNS_MIN_INTERVAL" envDefault:"15m"`
	DefaultPeriod    time.Duration `env:"CAMPAIGNS_DEFAULT_PERIOD" envDefault:"3h"`
	ReconcileHorizon time.Duration `env:"CAMPAIGNS_RECONCILE_HORIZON" envDefault:"3h"`
	ActionTimeout    time.Duration `env:"CAMPAIGNS_ACTION_TIMEOUT" envDefault:"5m"`

	ImmediateRetries int           `env:"CAMPAIGNS_IMMEDIATE_RETRIES" envDefault:"3"`
	DelayedRetries   int           `env:"CAMPAIGNS_DELAYED_RETRIES" envDefault:"10"`
	DelayedPreDelay  time.Duration `env:"CAMPAIGNS_DELAYED_PRE_DELAY" envDefault:"180s"`

	PoolMaxTries     uint          `env:"CAMPAIGNS_POOL_MAX_TRIES" envDefault:"10"`
	PoolBackoff      time.Duration `env:"CAMPAIGNS_POOL_BACKOFF" envDefault:"2s"`
	PoolLeaseTimeout time.Duration `env:"CAMPAIGNS_POOL_LEASE_TIMEOUT" envDefault:"30m"`

	Sweeps Sweeps `envPrefix:"CAMPAIGNS_SWEEP_"`

	ReadTimeout     time.Duration `env:"CAMPAIGNS_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"CAMPAIGNS_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"CAMPAIGNS_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"CAMPAIGNS_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Sweeps are the cron descriptors of the periodic sweeps.
type Sweeps struct {
	Intake    string `env:"INTAKE" envDefault:"@every 20s"`
	Poll      string `env:"POLL" envDefault:"@every 25s"`
	Reconcile string `env:"RECONCILE" envDefault:"@every 30s"`
	Funds     string `env:"FUNDS" envDefault:"@every 35s"`
	Outbox    string `env:"OUTBOX" envDefault:"@every 15s"`
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("CAMPAIGNS_POOL_SIZE must be positive, got %d", c.PoolSize)
	case c.ClassLimit <= 0:
		return fmt.Errorf("CAMPAIGNS_CLASS_LIMIT must be positive, got %d", c.ClassLimit)
	case c.PricePerStep <= 0:
		return fmt.Errorf("CAMPAIGNS_PRICE_PER_STEP must be positive, got %d", c.PricePerStep)
	case c.ImmediateRetries < 0 || c.DelayedRetries < 0:
		return fmt.Errorf("retry limits must not be negative")
	case c.MinInterval <= 0 || c.MinInterval > 24*time.Hour:
		return fmt.Errorf("CAMPAIGNS_MIN_INTERVAL must be within (0, 24h], got %v", c.MinInterval)
	case c.Class == "":
		return fmt.Errorf("CAMPAIGNS_CLASS must not be empty")
	}
	return nil
}

// Engine returns the engine parameters.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Class:            c.Class,
		PoolSize:         c.PoolSize,
		PricePerStep:     c.PricePerStep,
		MinInterval:      c.MinInterval,
		DefaultPeriod:    c.DefaultPeriod,
		ReconcileHorizon: c.ReconcileHorizon,
		ActionTimeout:    c.ActionTimeout,
		Immediate:        engine.ImmediatePolicy(c.ImmediateRetries),
		Delayed:          engine.DelayedPolicy(c.DelayedRetries, c.DelayedPreDelay),
	}
}

// Limits returns the admission budget. The global budget matches the
// worker pool so that every admitted task has a worker to run on.
func (c Config) Limits() dispatch.Limits {
	return dispatch.Limits{
		Total:    c.PoolSize,
		PerClass: map[string]int{c.Class: c.ClassLimit},
	}
}

// Pools returns the resource pool acquisition options.
func (c Config) Pools() natsbackend.PoolOptions {
	return natsbackend.PoolOptions{
		MaxTries:     c.PoolMaxTries,
		Backoff:      c.PoolBackoff,
		LeaseTimeout: c.PoolLeaseTimeout,
	}
}
