package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the ops-api service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	RedisAddr    string
	PostgresDSN  string
	RateLimit    int
	RateWindow   time.Duration
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		RateLimit:    v.GetInt("rate_limit"),
		RateWindow:   v.GetDuration("rate_window"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
