package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel        string
	PostgresDSN     string
	RedisAddr       string
	KafkaBrokers    string
	LifecycleTopic  string
	PollInterval    time.Duration
	Concurrency     int
	DeliveryTimeout time.Duration
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		RedisAddr:       v.GetString("redis_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		LifecycleTopic:  v.GetString("lifecycle_topic"),
		PollInterval:    v.GetDuration("poll_interval"),
		Concurrency:     v.GetInt("concurrency"),
		DeliveryTimeout: v.GetDuration("delivery_timeout"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
