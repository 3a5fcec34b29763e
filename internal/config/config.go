// Package config loads the marketplace server configuration from YAML with
// ${VAR} expansion, fills in defaults and validates the result. A handful of
// environment variables override the file for container deployments.
package config

import "time"

// Config is the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL persistence. An empty URL keeps all
// records in memory.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// MarketplaceConfig holds the marketplace accounts and the initial
// auction parameters.
type MarketplaceConfig struct {
	Admin                string        `yaml:"admin"`
	Custodian            string        `yaml:"custodian"`
	AuctionDuration      time.Duration `yaml:"auction_duration"`
	MinParticipantsCount *uint64       `yaml:"min_participants_count"`
}
