package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/papertrade/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	OrderBook OrderBookConfig `mapstructure:"orderbook"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type FeedConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	RestURL          string        `mapstructure:"rest_url"`
	Quote            string        `mapstructure:"quote"`
	Symbols          []string      `mapstructure:"symbols"`
	DepthLevels      int           `mapstructure:"depth_levels"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Jitter           time.Duration `mapstructure:"jitter"`
	SnapshotTimeout  time.Duration `mapstructure:"snapshot_timeout"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	SnapshotRPS      float64       `mapstructure:"snapshot_rps"`
}

type OrderBookConfig struct {
	Mode     string        `mapstructure:"mode"` // "replace" or "incremental"
	Throttle time.Duration `mapstructure:"throttle"`
}

type LedgerConfig struct {
	StartingBalance float64 `mapstructure:"starting_balance"`
	LossPolicy      string  `mapstructure:"loss_policy"` // "isolated" or "cross"
}

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretVersion   string              `mapstructure:"secret_version"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/papertrade")
	}

	v.SetEnvPrefix("PAPERTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)
	normalize(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("feed.ws_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("feed.rest_url", "https://api.binance.com")
	v.SetDefault("feed.quote", "USDT")
	v.SetDefault("feed.symbols", []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "AVAX", "DOT", "LINK"})
	v.SetDefault("feed.depth_levels", 20)
	v.SetDefault("feed.initial_delay", time.Second)
	v.SetDefault("feed.max_delay", 30*time.Second)
	v.SetDefault("feed.max_attempts", 5)
	v.SetDefault("feed.jitter", 500*time.Millisecond)
	v.SetDefault("feed.snapshot_timeout", 10*time.Second)
	v.SetDefault("feed.snapshot_interval", time.Minute)
	v.SetDefault("feed.snapshot_rps", 1.0)

	v.SetDefault("orderbook.mode", "replace")
	v.SetDefault("orderbook.throttle", 500*time.Millisecond)

	v.SetDefault("ledger.starting_balance", 10000.0)
	v.SetDefault("ledger.loss_policy", "isolated")

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.issuer", "papertrade")
	v.SetDefault("auth.ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.secret_version", "latest")
	v.SetDefault("gcp.secret_names.signing_key", secrets.DefaultSecretNames().SigningKey)
}

func overrideFromEnv(config *Config) {
	if key := os.Getenv("SESSION_SIGNING_KEY"); key != "" {
		config.Auth.SigningKey = key
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// normalize upper-cases symbols. Env values arrive as one space or comma
// separated string.
func normalize(config *Config) {
	var symbols []string
	for _, s := range config.Feed.Symbols {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
			symbols = append(symbols, strings.ToUpper(part))
		}
	}
	config.Feed.Symbols = symbols
	config.Feed.Quote = strings.ToUpper(config.Feed.Quote)
}

func (c *Config) Validate() error {
	if c.Feed.Quote == "" {
		return fmt.Errorf("feed.quote must be set")
	}
	if len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	if c.Feed.InitialDelay <= 0 || c.Feed.MaxDelay < c.Feed.InitialDelay {
		return fmt.Errorf("feed backoff: initial_delay %s, max_delay %s", c.Feed.InitialDelay, c.Feed.MaxDelay)
	}
	if c.Ledger.StartingBalance < 0 {
		return fmt.Errorf("ledger.starting_balance must not be negative")
	}
	return nil
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, config.GCP.SecretVersion, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	if config.Auth.SigningKey == "" {
		config.Auth.SigningKey = secrets.Lookup(ctx, secretManager,
			config.GCP.SecretNames.SigningKey, "", logger)
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
