package config

import "time"

// Config is the root configuration for a feedgate instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Health      HealthConfig      `yaml:"health"`
}

// InstanceConfig identifies this gateway instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// CredentialsConfig holds token issuance and scheduling settings.
type CredentialsConfig struct {
	// DailySpec is a cron expression for the unconditional daily refresh,
	// evaluated in Timezone (default: 08:00 Asia/Seoul).
	DailySpec string `yaml:"daily_spec"`
	Timezone  string `yaml:"timezone"`

	// HealthCheckInterval is how often invalid credentials are re-issued.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds one upstream broker's issuance endpoints and keys.
type ProviderConfig struct {
	TokenURL    string `yaml:"token_url"`
	ApprovalURL string `yaml:"approval_url"` // websocket approval key endpoint, if the provider has one
	AppKey      string `yaml:"app_key"`
	AppSecret   string `yaml:"app_secret"`

	// AssumedTTL is applied when the issuance response carries no expiry.
	// The provider's documented lifetime is ~24h; default stays under it.
	AssumedTTL time.Duration `yaml:"assumed_ttl"`

	Timeout time.Duration `yaml:"timeout"`
}

// UpstreamConfig maps venue name to its push-feed settings.
type UpstreamConfig struct {
	Venues map[string]VenueConfig `yaml:"venues"`
}

// VenueConfig holds one venue's websocket feed settings.
type VenueConfig struct {
	WSURL      string `yaml:"ws_url"`
	QuoteTRID  string `yaml:"quote_tr_id"`
	TradeTRID  string `yaml:"trade_tr_id"`
	BufferSize int    `yaml:"buffer_size"`

	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// GatewayConfig holds the downstream websocket endpoint settings.
type GatewayConfig struct {
	Port           int           `yaml:"port"`
	ReadLimit      int64         `yaml:"read_limit"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxSubsPerConn int           `yaml:"max_subs_per_conn"`

	// DefaultVenue is used when a subscribe request names no venue.
	DefaultVenue string `yaml:"default_venue"`
}

// BroadcastConfig holds per-stream-kind push intervals.
type BroadcastConfig struct {
	QuoteInterval time.Duration `yaml:"quote_interval"`
	TradeInterval time.Duration `yaml:"trade_interval"`
}

// RecorderConfig holds the optional snapshot recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
