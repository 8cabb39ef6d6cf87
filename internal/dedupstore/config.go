// Package dedupstore is the durable dedup store: the correctness anchor of
// the aggregator. It owns the processed-marker table, the payload table,
// and the counters table behind an atomic check-and-mark primitive.
package dedupstore

import (
	"errors"
	"strings"
	"time"

	"github.com/logaggregator/aggregator/internal/envconfig"
)

// DurabilityMode selects the store's write-durability contract.
type DurabilityMode string

const (
	// Strict fsyncs every successful mutation before returning.
	Strict DurabilityMode = "strict"
	// Checkpoint batches counter increments and flushes on a checkpoint
	// boundary or close; markers and payloads are never batched. Default.
	Checkpoint DurabilityMode = "checkpoint"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute
	defaultMigrationTable   = "schema_migrations"
	defaultCheckpointEvery  = 100
)

// ErrDatabaseURLEmpty is returned when the database URL is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection and durability configuration for the
// dedup store, with production-ready defaults.
type Config struct {
	databaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	MigrationTable string

	// Durability selects Strict or Checkpoint. Defaults to Checkpoint.
	Durability DurabilityMode
	// CheckpointEvery is the number of batched counter mutations between
	// automatic flushes in Checkpoint mode. Ignored in Strict mode.
	CheckpointEvery int
}

// LoadConfig loads dedup store configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     envconfig.GetStr("DATABASE_URL", ""),
		MaxOpenConns:    envconfig.GetInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    envconfig.GetInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: envconfig.GetDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: envconfig.GetDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		MigrationTable:  envconfig.GetStr("MIGRATION_TABLE", defaultMigrationTable),
		Durability:      DurabilityMode(envconfig.GetStr("DURABILITY_MODE", string(Checkpoint))),
		CheckpointEvery: envconfig.GetInt("CHECKPOINT_EVERY", defaultCheckpointEvery),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.Durability != Strict && c.Durability != Checkpoint {
		c.Durability = Checkpoint
	}

	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	if userInfo[colonIndex+1:] == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
