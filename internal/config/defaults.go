package config

import (
	"time"

	"github.com/atmx/marketplace-engine/internal/params"
)

// Default values for optional configuration fields.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxConns        = 10
	DefaultCacheTTL        = 30 * time.Second
	DefaultCustodian       = "marketplace"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Storage defaults
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = DefaultCacheTTL
	}

	// Marketplace defaults
	if c.Marketplace.Custodian == "" {
		c.Marketplace.Custodian = DefaultCustodian
	}
	if c.Marketplace.AuctionDuration == 0 {
		c.Marketplace.AuctionDuration = params.DefaultAuctionDuration
	}
	if c.Marketplace.MinParticipantsCount == nil {
		n := uint64(params.DefaultMinParticipantsCount)
		c.Marketplace.MinParticipantsCount = &n
	}
}
