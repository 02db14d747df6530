package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/gregtusar/flowsignal/pkg/secrets"
	"github.com/gregtusar/flowsignal/pkg/signals"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Coinbase   CoinbaseConfig   `mapstructure:"coinbase"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type CoinbaseConfig struct {
	// AuthType is "jwt" (CDP API key) or "oauth" (bearer token).
	AuthType      string  `mapstructure:"auth_type"`
	APIKeyName    string  `mapstructure:"api_key_name"`
	PrivateKeyPEM string  `mapstructure:"private_key_pem"`
	OAuthToken    string  `mapstructure:"oauth_token"`
	Sandbox       bool    `mapstructure:"sandbox"`
	RateLimit     float64 `mapstructure:"rate_limit"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type WebSocketConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type FeedConfig struct {
	ProductID          string        `mapstructure:"product_id"`
	Depth              int           `mapstructure:"depth"`
	MinPublishInterval time.Duration `mapstructure:"min_publish_interval"`
	SnapshotTimeout    time.Duration `mapstructure:"snapshot_timeout"`
}

type SignalsConfig struct {
	ExpirySweepInterval time.Duration                            `mapstructure:"expiry_sweep_interval"`
	Algorithms          map[string]models.AlgorithmConfiguration `mapstructure:"algorithms"`
}

type SimulationConfig struct {
	// Store is "file", "redis" or "memory".
	Store              string        `mapstructure:"store"`
	FilePath           string        `mapstructure:"file_path"`
	RedisKey           string        `mapstructure:"redis_key"`
	FeeRefreshInterval time.Duration `mapstructure:"fee_refresh_interval"`
}

type ExecutionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	SyncLimit    int           `mapstructure:"sync_limit"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	// DSN enables the Postgres order journal when set.
	DSN string `mapstructure:"dsn"`
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
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
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
		v.AddConfigPath("/etc/flowsignal")
	}

	v.SetEnvPrefix("FLOWSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		if err := loadSecretsFromGCP(context.Background(), &config, logrus.New()); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Feed.ProductID == "" {
		return errors.New("feed.product_id is required")
	}
	switch c.Coinbase.AuthType {
	case "jwt", "oauth", "none":
	default:
		return fmt.Errorf("unknown coinbase.auth_type %q", c.Coinbase.AuthType)
	}
	switch c.Simulation.Store {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown simulation.store %q", c.Simulation.Store)
	}
	return nil
}

// AlgorithmConfig returns the configured settings for id layered over def.
// Viper lower-cases keys, so custom parameters are matched to def's names
// case-insensitively.
func (c *Config) AlgorithmConfig(id string, def models.AlgorithmConfiguration) models.AlgorithmConfiguration {
	override, ok := c.Signals.Algorithms[id]
	if !ok {
		return def
	}
	out := def.Clone()
	out.Enabled = override.Enabled
	if override.MinConfidence > 0 {
		out.MinConfidence = override.MinConfidence
	}
	if override.MinOrderSize > 0 {
		out.MinOrderSize = override.MinOrderSize
	}
	if override.MaxOrderSize > 0 {
		out.MaxOrderSize = override.MaxOrderSize
	}
	for k, v := range override.CustomParameters {
		if out.CustomParameters == nil {
			out.CustomParameters = make(map[string]float64)
		}
		for name := range def.CustomParameters {
			if strings.EqualFold(name, k) {
				k = name
				break
			}
		}
		out.CustomParameters[k] = v
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("coinbase.auth_type", "jwt")
	v.SetDefault("coinbase.sandbox", false)
	v.SetDefault("coinbase.rate_limit", 10.0)
	v.SetDefault("coinbase.websocket.url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("coinbase.websocket.reconnect_delay", 5*time.Second)

	v.SetDefault("feed.product_id", "BTC-USD")
	v.SetDefault("feed.depth", 100)
	v.SetDefault("feed.min_publish_interval", 100*time.Millisecond)
	v.SetDefault("feed.snapshot_timeout", 5*time.Second)

	v.SetDefault("signals.expiry_sweep_interval", time.Second)
	for id, cfg := range map[string]models.AlgorithmConfiguration{
		signals.ImbalanceID: signals.DefaultImbalanceConfig(),
		signals.VelocityID:  signals.DefaultVelocityConfig(),
	} {
		v.SetDefault("signals.algorithms."+id+".enabled", cfg.Enabled)
	}

	v.SetDefault("simulation.store", "file")
	v.SetDefault("simulation.file_path", "./data/simulation.json")
	v.SetDefault("simulation.redis_key", "flowsignal:simulation")
	v.SetDefault("simulation.fee_refresh_interval", 5*time.Minute)

	v.SetDefault("execution.poll_interval", 2*time.Second)
	v.SetDefault("execution.poll_timeout", 5*time.Minute)
	v.SetDefault("execution.sync_limit", 50)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key_name", names.APIKeyName)
	v.SetDefault("gcp.secret_names.private_key", names.PrivateKey)
	v.SetDefault("gcp.secret_names.oauth_token", names.OAuthToken)
	v.SetDefault("gcp.secret_names.redis_password", names.RedisPassword)
	v.SetDefault("gcp.secret_names.postgres_dsn", names.PostgresDSN)
}

func overrideFromEnv(config *Config) {
	if apiKeyName := os.Getenv("COINBASE_API_KEY_NAME"); apiKeyName != "" {
		config.Coinbase.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("COINBASE_PRIVATE_KEY"); privateKey != "" {
		config.Coinbase.PrivateKeyPEM = privateKey
	}
	if token := os.Getenv("COINBASE_OAUTH_TOKEN"); token != "" {
		config.Coinbase.OAuthToken = token
	}
	if authType := os.Getenv("COINBASE_AUTH_TYPE"); authType != "" {
		config.Coinbase.AuthType = authType
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Database.DSN = dsn
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames
	secrets.Fill(ctx, secretManager, logger, map[string]*string{
		names.APIKeyName:    &config.Coinbase.APIKeyName,
		names.PrivateKey:    &config.Coinbase.PrivateKeyPEM,
		names.OAuthToken:    &config.Coinbase.OAuthToken,
		names.RedisPassword: &config.Redis.Password,
		names.PostgresDSN:   &config.Database.DSN,
	})

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
