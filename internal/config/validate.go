package config

import (
	"errors"
	"fmt"

	"github.com/atmx/marketplace-engine/internal/account"
)

// Validate checks that all required fields are set and values are valid.
// Account names are normalised in place.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}

	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}
	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}

	if c.Marketplace.Admin == "" {
		return errors.New("marketplace.admin is required")
	}
	admin, err := account.Parse(c.Marketplace.Admin)
	if err != nil {
		return fmt.Errorf("marketplace.admin: %w", err)
	}
	custodian, err := account.Parse(c.Marketplace.Custodian)
	if err != nil {
		return fmt.Errorf("marketplace.custodian: %w", err)
	}
	if admin == custodian {
		return errors.New("marketplace.admin and marketplace.custodian must differ")
	}
	c.Marketplace.Admin = string(admin)
	c.Marketplace.Custodian = string(custodian)
	if c.Marketplace.AuctionDuration <= 0 {
		return fmt.Errorf("marketplace.auction_duration must be positive, got %s", c.Marketplace.AuctionDuration)
	}
	return nil
}
