// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int    `env:"SERVER_PORT,default=8080"`
	ReadTimeoutSec  int    `env:"SERVER_READ_TIMEOUT,default=15"`
	WriteTimeoutSec int    `env:"SERVER_WRITE_TIMEOUT,default=30"`
}

// DatabaseConfig holds persistence settings. When DSN is empty the service
// runs on the in-memory store.
type DatabaseConfig struct {
	Driver          string `env:"DATABASE_DRIVER,default=postgres"`
	DSN             string `env:"DATABASE_URL"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
	MigrationsDir   string `env:"DATABASE_MIGRATIONS_DIR,default=migrations"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=text"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// AuthConfig gates the admin endpoints (market deployment, adapter swaps).
type AuthConfig struct {
	JWTSecret     string `env:"AUTH_JWT_SECRET"`
	AdminUser     string `env:"AUTH_ADMIN_USER,default=admin"`
	AdminPassword string `env:"AUTH_ADMIN_PASSWORD"`
}

// HarvesterConfig controls the background harvest scheduler.
type HarvesterConfig struct {
	Enabled  bool   `env:"HARVESTER_ENABLED,default=true"`
	Schedule string `env:"HARVESTER_SCHEDULE,default=@every 1m"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Auth      AuthConfig
	Harvester HarvesterConfig
}

// Load reads configuration from the environment. A .env file in the working
// directory is honoured for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
