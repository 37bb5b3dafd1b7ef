package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel       string
	PostgresDSN    string
	RedisAddr      string
	KafkaBrokers   string
	LifecycleTopic string
	SweepSchedule  string
	StaleAfter     time.Duration
	BatchSize      int
	LeaderTTL      time.Duration
	MetricsAddr    string
	OTelEndpoint   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		PostgresDSN:    v.GetString("postgres_dsn"),
		RedisAddr:      v.GetString("redis_addr"),
		KafkaBrokers:   v.GetString("kafka_brokers"),
		LifecycleTopic: v.GetString("lifecycle_topic"),
		SweepSchedule:  v.GetString("sweep_schedule"),
		StaleAfter:     v.GetDuration("stale_after"),
		BatchSize:      v.GetInt("batch_size"),
		LeaderTTL:      v.GetDuration("leader_ttl"),
		MetricsAddr:    v.GetString("metrics_addr"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
	}
}
