package config

import (
	"fmt"
	"time"
)

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return fmt.Errorf("instance.id is required")
	}

	if len(c.Credentials.Providers) == 0 {
		return fmt.Errorf("credentials.providers must not be empty")
	}
	if _, err := time.LoadLocation(c.Credentials.Timezone); err != nil {
		return fmt.Errorf("credentials.timezone %q is not a valid time zone", c.Credentials.Timezone)
	}
	for name, p := range c.Credentials.Providers {
		if p.TokenURL == "" {
			return fmt.Errorf("credentials.providers.%s.token_url is required", name)
		}
		if p.AppKey == "" {
			return fmt.Errorf("credentials.providers.%s.app_key is required", name)
		}
		if p.AppSecret == "" {
			return fmt.Errorf("credentials.providers.%s.app_secret is required", name)
		}
	}

	if len(c.Upstream.Venues) == 0 {
		return fmt.Errorf("upstream.venues must not be empty")
	}
	for name, v := range c.Upstream.Venues {
		if v.WSURL == "" {
			return fmt.Errorf("upstream.venues.%s.ws_url is required", name)
		}
		if v.QuoteTRID == "" {
			return fmt.Errorf("upstream.venues.%s.quote_tr_id is required", name)
		}
		if v.TradeTRID == "" {
			return fmt.Errorf("upstream.venues.%s.trade_tr_id is required", name)
		}
	}

	if _, ok := c.Upstream.Venues[c.Gateway.DefaultVenue]; !ok {
		return fmt.Errorf("gateway.default_venue %q is not a configured venue", c.Gateway.DefaultVenue)
	}

	if c.Recorder.Enabled {
		db := c.Recorder.Database
		if db.Host == "" {
			return fmt.Errorf("recorder.database.host is required")
		}
		if db.Name == "" {
			return fmt.Errorf("recorder.database.name is required")
		}
		if db.User == "" {
			return fmt.Errorf("recorder.database.user is required")
		}
		if db.Password == "" {
			return fmt.Errorf("recorder.database.password is required")
		}
		if db.MinConns > db.MaxConns {
			return fmt.Errorf("recorder.database.min_conns (%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
		}
	}

	return nil
}
