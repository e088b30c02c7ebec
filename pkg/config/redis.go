package config

import (
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds shared KV and Pub/Sub connection settings. REDIS_URL
// wins over the discrete host/port variables when both are present.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

// LoadRedis reads the REDIS_* environment.
func LoadRedis() RedisConfig {
	return RedisConfig{
		URL:      getEnv("REDIS_URL", ""),
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnvInt("REDIS_PORT", 6379),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
		TLS:      getEnvBool("REDIS_TLS", false),
	}
}

// Options converts the config into go-redis client options.
func (c RedisConfig) Options() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password: c.Password,
		DB:       c.DB,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
