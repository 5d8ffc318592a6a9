package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDailySpec           = "0 8 * * *"
	DefaultTimezone            = "Asia/Seoul"
	DefaultHealthCheckInterval = 1 * time.Hour
	DefaultAssumedTTL          = 23 * time.Hour
	DefaultIssuanceTimeout     = 10 * time.Second
	DefaultFeedBufferSize      = 1000
	DefaultPingTimeout         = 60 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultGatewayPort         = 8081
	DefaultReadLimit           = 4096
	DefaultMaxSubsPerConn      = 100
	DefaultVenue               = "kis"
	DefaultQuoteInterval       = 200 * time.Millisecond
	DefaultTradeInterval       = 200 * time.Millisecond
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 1000
	DefaultFlushInterval       = 1 * time.Second
	DefaultRecorderBufferSize  = 10000
	DefaultHealthPort          = 8080
	DefaultHealthPath          = "/health"
)

func (c *Config) applyDefaults() {
	// Credential defaults
	if c.Credentials.DailySpec == "" {
		c.Credentials.DailySpec = DefaultDailySpec
	}
	if c.Credentials.Timezone == "" {
		c.Credentials.Timezone = DefaultTimezone
	}
	if c.Credentials.HealthCheckInterval == 0 {
		c.Credentials.HealthCheckInterval = DefaultHealthCheckInterval
	}
	for name, p := range c.Credentials.Providers {
		if p.AssumedTTL == 0 {
			p.AssumedTTL = DefaultAssumedTTL
		}
		if p.Timeout == 0 {
			p.Timeout = DefaultIssuanceTimeout
		}
		c.Credentials.Providers[name] = p
	}

	// Upstream defaults
	for name, v := range c.Upstream.Venues {
		if v.BufferSize == 0 {
			v.BufferSize = DefaultFeedBufferSize
		}
		if v.PingTimeout == 0 {
			v.PingTimeout = DefaultPingTimeout
		}
		if v.WriteTimeout == 0 {
			v.WriteTimeout = DefaultWriteTimeout
		}
		if v.ReconnectBaseDelay == 0 {
			v.ReconnectBaseDelay = DefaultReconnectBaseDelay
		}
		if v.ReconnectMaxDelay == 0 {
			v.ReconnectMaxDelay = DefaultReconnectMaxDelay
		}
		c.Upstream.Venues[name] = v
	}

	// Gateway defaults
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultGatewayPort
	}
	if c.Gateway.ReadLimit == 0 {
		c.Gateway.ReadLimit = DefaultReadLimit
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Gateway.MaxSubsPerConn == 0 {
		c.Gateway.MaxSubsPerConn = DefaultMaxSubsPerConn
	}
	if c.Gateway.DefaultVenue == "" {
		c.Gateway.DefaultVenue = DefaultVenue
	}

	// Broadcast defaults
	if c.Broadcast.QuoteInterval == 0 {
		c.Broadcast.QuoteInterval = DefaultQuoteInterval
	}
	if c.Broadcast.TradeInterval == 0 {
		c.Broadcast.TradeInterval = DefaultTradeInterval
	}

	// Recorder defaults
	if c.Recorder.Database.Port == 0 {
		c.Recorder.Database.Port = DefaultDBPort
	}
	if c.Recorder.Database.SSLMode == "" {
		c.Recorder.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Recorder.Database.MaxConns == 0 {
		c.Recorder.Database.MaxConns = DefaultMaxConns
	}
	if c.Recorder.Database.MinConns == 0 {
		c.Recorder.Database.MinConns = DefaultMinConns
	}
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultRecorderBufferSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
