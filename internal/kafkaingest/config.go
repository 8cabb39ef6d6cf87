// Package kafkaingest is the optional Kafka ingestion adapter: a second
// producer path into the same ingestion queue as the HTTP publish
// endpoint, for deployments that prefer a log-based transport over
// request/response. Disabled unless KAFKA_BROKERS is set.
package kafkaingest

import (
	"github.com/logaggregator/aggregator/internal/envconfig"
)

const (
	defaultGroupID = "logaggregator"
	defaultTopic   = "events"
)

// Config holds Kafka consumer configuration.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LoadConfig loads Kafka configuration from environment variables. An
// empty Brokers list means the adapter is disabled.
func LoadConfig() *Config {
	return &Config{
		Brokers: envconfig.ParseCommaSeparatedList("KAFKA_BROKERS", nil),
		Topic:   envconfig.GetStr("KAFKA_TOPIC", defaultTopic),
		GroupID: envconfig.GetStr("KAFKA_GROUP_ID", defaultGroupID),
	}
}

// Enabled reports whether the adapter should be started.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}
