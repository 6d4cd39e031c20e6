package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Mail       MailConfig       `mapstructure:"mail"`
	MailServer MailServerConfig `mapstructure:"mail_server"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	Env      string `mapstructure:"env"`
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Origins []string `mapstructure:"origins"`
	Methods []string `mapstructure:"methods"`
	Headers []string `mapstructure:"headers"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	JWT struct {
		Secret   string `mapstructure:"secret"`
		Issuer   string `mapstructure:"issuer"`
		Audience string `mapstructure:"audience"`
	} `mapstructure:"jwt"`
	// PushToken authenticates delivery status pushes from the mail server
	PushToken string `mapstructure:"push_token"`
}

// MailConfig holds the outgoing mail limits and policies. Sizes are in MB.
type MailConfig struct {
	SiteURL                      string        `mapstructure:"site_url"`
	MaxRecipients                int           `mapstructure:"max_recipients"`
	MaxHeaders                   int           `mapstructure:"max_headers"`
	OutgoingMaxAttachments       int           `mapstructure:"outgoing_max_attachments"`
	OutgoingMaxAttachmentSize    float64       `mapstructure:"outgoing_max_attachment_size"`
	OutgoingTotalAttachmentsSize float64       `mapstructure:"outgoing_total_attachments_size"`
	MaxMessageSize               float64       `mapstructure:"max_message_size"`
	DefaultNewsletterRetention   int           `mapstructure:"default_newsletter_retention"`
	MaxNewsletterRetention       int           `mapstructure:"max_newsletter_retention"`
	ImmediateTransferWindow      time.Duration `mapstructure:"immediate_transfer_window"`
}

type MailServerConfig struct {
	Host           string        `mapstructure:"host"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	AccessToken    string        `mapstructure:"access_token"`
	ClientHost     string        `mapstructure:"client_host"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type TransferConfig struct {
	Schedule              string        `mapstructure:"schedule"`
	Timeout               time.Duration `mapstructure:"timeout"`
	BatchSize             int           `mapstructure:"batch_size"`
	BatchFailureThreshold int           `mapstructure:"batch_failure_threshold"`
	MaxFailures           int           `mapstructure:"max_failures"`
}

type ReconcileConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxFailures int           `mapstructure:"max_failures"`
}

type RetentionConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RealtimeConfig struct {
	Websocket    bool   `mapstructure:"websocket"`
	RedisChannel string `mapstructure:"redis_channel"`
	Kafka        struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers the built-in defaults on a viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gotrs-mail")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("mail.max_recipients", 50)
	v.SetDefault("mail.max_headers", 10)
	v.SetDefault("mail.outgoing_max_attachments", 10)
	v.SetDefault("mail.outgoing_max_attachment_size", 10.0)
	v.SetDefault("mail.outgoing_total_attachments_size", 25.0)
	v.SetDefault("mail.max_message_size", 25.0)
	v.SetDefault("mail.default_newsletter_retention", 3)
	v.SetDefault("mail.max_newsletter_retention", 30)
	v.SetDefault("mail.immediate_transfer_window", 5*time.Second)
	v.SetDefault("mail_server.connect_timeout", 60*time.Second)
	v.SetDefault("mail_server.read_timeout", 120*time.Second)
	v.SetDefault("transfer.schedule", "0 * * * * *")
	v.SetDefault("transfer.timeout", 30*time.Minute)
	v.SetDefault("transfer.batch_size", 500)
	v.SetDefault("transfer.batch_failure_threshold", 5)
	v.SetDefault("transfer.max_failures", 3)
	v.SetDefault("reconcile.schedule", "30 */5 * * * *")
	v.SetDefault("reconcile.timeout", 30*time.Minute)
	v.SetDefault("reconcile.batch_size", 250)
	v.SetDefault("reconcile.max_failures", 3)
	v.SetDefault("retention.schedule", "0 0 3 * * *")
	v.SetDefault("retention.timeout", time.Hour)
	v.SetDefault("realtime.websocket", true)
	v.SetDefault("realtime.kafka.topic", "outgoing-mail-events")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		SetDefaults(v)

		v.SetConfigType("yaml")

		// Load default configuration
		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("failed to read default config: %w", err)
			return
		}

		// Load environment-specific config (optional)
		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		v.SetEnvPrefix("GOTRS_MAIL")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("Config file changed: %s\n", e.Name)

			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			if err := newCfg.Validate(); err != nil {
				fmt.Printf("Rejected reloaded config: %v\n", err)
				return
			}

			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Println("Configuration reloaded successfully")
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Set replaces the current configuration
func Set(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	Set(loaded)
	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// Validate checks settings that depend on each other
func (c *Config) Validate() error {
	m := c.Mail
	if m.OutgoingMaxAttachmentSize > m.OutgoingTotalAttachmentsSize {
		return fmt.Errorf("mail.outgoing_total_attachments_size (%.3f MB) must be greater than or equal to mail.outgoing_max_attachment_size (%.3f MB)",
			m.OutgoingTotalAttachmentsSize, m.OutgoingMaxAttachmentSize)
	}
	if m.DefaultNewsletterRetention > m.MaxNewsletterRetention {
		return fmt.Errorf("mail.default_newsletter_retention must be less than or equal to mail.max_newsletter_retention")
	}
	if c.Transfer.BatchSize < 1 || c.Reconcile.BatchSize < 1 {
		return fmt.Errorf("transfer.batch_size and reconcile.batch_size must be positive")
	}
	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	case "sqlite3":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			c.User, c.Password, c.Host, c.Port, c.Name)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development mode
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}
