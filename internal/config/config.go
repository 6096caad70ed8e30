package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AppConfig identifies the running service
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NATSConfig holds broker connection settings
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig holds the sqlite path and retention windows
type StorageConfig struct {
	DBPath            string        `mapstructure:"db_path"`
	EventRetention    time.Duration `mapstructure:"event_retention"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
	AlertArchiveAfter time.Duration `mapstructure:"alert_archive_after"`
}

// GatewayConfig holds the rate-limit defaults plus per-source overrides
type GatewayConfig struct {
	MaxPerSecond int                        `mapstructure:"max_per_second"`
	MaxPerHour   int                        `mapstructure:"max_per_hour"`
	BaseDelay    time.Duration              `mapstructure:"base_delay"`
	MaxDelay     time.Duration              `mapstructure:"max_delay"`
	MaxExponent  int                        `mapstructure:"max_exponent"`
	CleanWindow  time.Duration              `mapstructure:"clean_window"`
	Overrides    map[string]GatewayOverride `mapstructure:"overrides"`
}

// GatewayOverride adjusts the bucket capacities for one source
type GatewayOverride struct {
	MaxPerSecond int `mapstructure:"max_per_second"`
	MaxPerHour   int `mapstructure:"max_per_hour"`
}

// DedupConfig sizes the duplicate-suppression cache
type DedupConfig struct {
	MaxKeys int           `mapstructure:"max_keys"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// DetectorConfig holds the crisis-detection tuning
type DetectorConfig struct {
	Window            time.Duration `mapstructure:"window"`
	SeverityThreshold int           `mapstructure:"severity_threshold"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	EscalateDelta     int           `mapstructure:"escalate_delta"`
	EscalateGrowth    float64       `mapstructure:"escalate_growth"`
	NegativeBelow     float64       `mapstructure:"negative_below"`
	ReachScale        float64       `mapstructure:"reach_scale"`
	VelocityScale     float64       `mapstructure:"velocity_scale"`
	WeightNegativity  float64       `mapstructure:"weight_negativity"`
	WeightVelocity    float64       `mapstructure:"weight_velocity"`
	WeightReach       float64       `mapstructure:"weight_reach"`
}

// ConnectorConfig points one source at its REST endpoint. Sources without
// a connector are drained from the INGEST stream instead.
type ConnectorConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// MonitorConfig controls snapshot cadence
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HTTPConfig holds server listener settings
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the full service configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Detector DetectorConfig `mapstructure:"detector"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Sources  []string       `mapstructure:"sources"`

	Connectors map[string]ConnectorConfig `mapstructure:"connectors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "crisis-pipeline")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")

	v.SetDefault("storage.db_path", "crisis_pipeline.db")
	v.SetDefault("storage.event_retention", "720h")
	v.SetDefault("storage.snapshot_retention", "168h")
	v.SetDefault("storage.alert_archive_after", "720h")

	v.SetDefault("gateway.max_per_second", 10)
	v.SetDefault("gateway.max_per_hour", 500)
	v.SetDefault("gateway.base_delay", "2s")
	v.SetDefault("gateway.max_delay", "5m")
	v.SetDefault("gateway.max_exponent", 7)
	v.SetDefault("gateway.clean_window", "1m")

	v.SetDefault("dedup.max_keys", 50000)
	v.SetDefault("dedup.ttl", "24h")

	v.SetDefault("detector.window", "2h")
	v.SetDefault("detector.severity_threshold", 4)
	v.SetDefault("detector.min_confidence", 0.5)
	v.SetDefault("detector.cooldown", "30m")
	v.SetDefault("detector.escalate_delta", 2)
	v.SetDefault("detector.escalate_growth", 2.0)
	v.SetDefault("detector.negative_below", -0.1)
	v.SetDefault("detector.reach_scale", 1000000.0)
	v.SetDefault("detector.velocity_scale", 3.0)
	v.SetDefault("detector.weight_negativity", 0.45)
	v.SetDefault("detector.weight_velocity", 0.30)
	v.SetDefault("detector.weight_reach", 0.25)

	v.SetDefault("monitor.interval", "1m")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("sources", []string{"metaAds", "googleAds", "newsApi", "socialStream"})
}

// Load reads the yaml config from path and fills in defaults. path is a
// directory containing config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls must not be empty")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}
	if c.Gateway.MaxPerSecond <= 0 || c.Gateway.MaxPerHour <= 0 {
		return fmt.Errorf("gateway limits must be positive")
	}
	if c.Detector.SeverityThreshold < 1 || c.Detector.SeverityThreshold > 10 {
		return fmt.Errorf("detector.severity_threshold must be within 1..10")
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be within 0..1")
	}
	sum := c.Detector.WeightNegativity + c.Detector.WeightVelocity + c.Detector.WeightReach
	if sum <= 0 {
		return fmt.Errorf("detector severity weights must sum to a positive value")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be a valid port")
	}
	return nil
}
