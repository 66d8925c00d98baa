package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/meterpay/meterpay-backend/internal/chain"
	"github.com/meterpay/meterpay-backend/internal/events"
	"github.com/meterpay/meterpay-backend/internal/service"
)

// Config represents the complete configuration for the settlement backend
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Chain    chain.Config   `yaml:"chain"`
	NATS     NATSConfig     `yaml:"nats"`
	Payments service.Config `yaml:"payments"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration. An empty URL selects
// the in-memory ledger, which is intended for development only.
type DatabaseConfig struct {
	URL               string        `yaml:"url"`
	MaxConnections    int           `yaml:"max_connections"`
	MinConnections    int           `yaml:"min_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxLifetime       time.Duration `yaml:"max_lifetime"`
}

// NATSConfig represents NATS configuration. An empty address disables
// event publishing.
type NATSConfig struct {
	Address  string          `yaml:"address"`
	ClientID string          `yaml:"client_id"`
	Subjects events.Subjects `yaml:"subjects"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate chain configuration
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if c.Chain.EscrowAddress == "" {
		return fmt.Errorf("escrow contract address is required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain id: %d", c.Chain.ChainID)
	}

	// Validate payment limits
	if c.Payments.MaxPaymentAmount <= 0 {
		return fmt.Errorf("max payment amount must be positive")
	}
	if c.Payments.DefaultPageSize <= 0 || c.Payments.MaxPageSize < c.Payments.DefaultPageSize {
		return fmt.Errorf("invalid pagination limits: default=%d max=%d", c.Payments.DefaultPageSize, c.Payments.MaxPageSize)
	}

	return nil
}

// GetDatabaseConfig returns database configuration for pgxpool
func (c *Config) GetDatabaseConfig() (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(c.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = int32(c.Database.MaxConnections)
	config.MinConns = int32(c.Database.MinConnections)
	config.MaxConnLifetime = c.Database.MaxLifetime
	config.MaxConnIdleTime = c.Database.IdleTimeout

	return config, nil
}

// GetChainConfig returns escrow chain client configuration
func (c *Config) GetChainConfig() *chain.Config {
	return &c.Chain
}

// GetPaymentsConfig returns settlement service configuration
func (c *Config) GetPaymentsConfig() *service.Config {
	return &c.Payments
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.LogLevel == "debug"
}
