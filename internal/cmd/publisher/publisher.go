// Package publisher parses publisher command flags and launches the publisher runtime.
package publisher

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/stratumlabs/stratum/internal/platform/cmd"
	publisherserver "github.com/stratumlabs/stratum/internal/services/publisher/app"
)

// Config holds publisher command configuration.
type Config struct {
	Port          int           `env:"STRATUM_PUBLISHER_PORT" envDefault:"8091"`
	DBPath        string        `env:"STRATUM_PUBLISHER_DB_PATH" envDefault:"data/stratum.db"`
	StreamDBPath  string        `env:"STRATUM_PUBLISHER_STREAM_DB_PATH" envDefault:"data/stream.db"`
	Consumer      string        `env:"STRATUM_PUBLISHER_CONSUMER" envDefault:"publisher"`
	PollInterval  time.Duration `env:"STRATUM_PUBLISHER_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL      time.Duration `env:"STRATUM_PUBLISHER_LEASE_TTL" envDefault:"30s"`
	MaxAttempts   int           `env:"STRATUM_PUBLISHER_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff  time.Duration `env:"STRATUM_PUBLISHER_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxDelay time.Duration `env:"STRATUM_PUBLISHER_RETRY_MAX_DELAY" envDefault:"5m"`
	BatchSize     int           `env:"STRATUM_PUBLISHER_BATCH_SIZE" envDefault:"32"`
	PublishRate   float64       `env:"STRATUM_PUBLISHER_PUBLISH_RATE" envDefault:"0"`
	PublishBurst  int           `env:"STRATUM_PUBLISHER_PUBLISH_BURST" envDefault:"0"`
	Retention     time.Duration `env:"STRATUM_PUBLISHER_RETENTION" envDefault:"24h"`
	SweepInterval time.Duration `env:"STRATUM_PUBLISHER_SWEEP_INTERVAL" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The publisher health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The cold store SQLite database path")
	fs.StringVar(&cfg.StreamDBPath, "stream-db-path", cfg.StreamDBPath, "The event stream SQLite database path")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Outbox consumer name stamped on leases")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Outbox lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum publish attempts before quarantine")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum outbox entries leased per poll")
	fs.Float64Var(&cfg.PublishRate, "publish-rate", cfg.PublishRate, "Publish rate limit in events per second (0 disables)")
	fs.IntVar(&cfg.PublishBurst, "publish-burst", cfg.PublishBurst, "Publish rate limiter burst size")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "How long published outbox entries are retained")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval between retention sweeps")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the publisher runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePublisher, func(context.Context) error {
		return publisherserver.Run(ctx, publisherserver.RuntimeConfig{
			Port:          cfg.Port,
			DBPath:        cfg.DBPath,
			StreamDBPath:  cfg.StreamDBPath,
			Consumer:      cfg.Consumer,
			PollInterval:  cfg.PollInterval,
			LeaseTTL:      cfg.LeaseTTL,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
			BatchSize:     cfg.BatchSize,
			PublishRate:   cfg.PublishRate,
			PublishBurst:  cfg.PublishBurst,
			Retention:     cfg.Retention,
			SweepInterval: cfg.SweepInterval,
		})
	})
}
