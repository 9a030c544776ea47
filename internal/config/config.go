package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
}

type AppConfig struct {
	Port            string `mapstructure:"port"`
	Environment     string `mapstructure:"environment"`
	DisplayTimezone string `mapstructure:"display_timezone"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or sqlite
	Path         string `mapstructure:"path"`   // sqlite file
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Name         string `mapstructure:"name"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DispatchConfig struct {
	CampaignSchedule string        `mapstructure:"campaign_schedule"`
	SequenceSchedule string        `mapstructure:"sequence_schedule"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
	EnqueueDelay     time.Duration `mapstructure:"enqueue_delay"`
	SequenceBatch    int           `mapstructure:"sequence_batch"`

	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DeviceRefresh time.Duration `mapstructure:"device_refresh"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	HourlyCap     int           `mapstructure:"hourly_cap"`
	DailyCap      int           `mapstructure:"daily_cap"`
	Greeting      bool          `mapstructure:"greeting"`
}

type WhatsAppConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIVersion     string        `mapstructure:"api_version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Location resolves the display timezone. Stored instants are always UTC; this
// is only used when converting user-entered wall-clock values.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.display_timezone", "Asia/Kuala_Lumpur")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./dispatch.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dispatch")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("dispatch.campaign_schedule", "@every 1m")
	v.SetDefault("dispatch.sequence_schedule", "@every 30s")
	v.SetDefault("dispatch.sweep_schedule", "@every 1m")
	v.SetDefault("dispatch.lease_timeout", "5m")
	v.SetDefault("dispatch.enqueue_delay", "0s")
	v.SetDefault("dispatch.sequence_batch", 200)
	v.SetDefault("dispatch.batch_size", 5)
	v.SetDefault("dispatch.poll_interval", "5s")
	v.SetDefault("dispatch.device_refresh", "30s")
	v.SetDefault("dispatch.min_delay", "10s")
	v.SetDefault("dispatch.max_delay", "30s")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_backoff", "30s")
	v.SetDefault("dispatch.max_backoff", "10m")
	v.SetDefault("dispatch.hourly_cap", 80)
	v.SetDefault("dispatch.daily_cap", 800)
	v.SetDefault("dispatch.greeting", true)

	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com")
	v.SetDefault("whatsapp.api_version", "v19.0")
	v.SetDefault("whatsapp.request_timeout", "15s")
}

// LoadConfig reads .env, an optional config.yaml and the environment, in that
// order of increasing precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Error loading .env file")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("app.port", "APP_PORT", "PORT")
	_ = v.BindEnv("database.path", "DATABASE_PATH", "DB_PATH")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", cfg.Database.Driver)
	}
	if _, err := time.LoadLocation(cfg.App.DisplayTimezone); err != nil {
		return fmt.Errorf("app.display_timezone: %w", err)
	}
	d := &cfg.Dispatch
	if d.BatchSize <= 0 {
		return errors.New("dispatch.batch_size must be positive")
	}
	if d.LeaseTimeout <= 0 {
		return errors.New("dispatch.lease_timeout must be positive")
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 1
	}
	if d.MinDelay < 0 {
		d.MinDelay = 0
	}
	if d.MaxDelay < d.MinDelay {
		d.MinDelay, d.MaxDelay = d.MaxDelay, d.MinDelay
		if d.MinDelay < 0 {
			d.MinDelay = 0
		}
	}
	// A full batch of default waits must fit inside one claim lease.
	if time.Duration(d.BatchSize)*d.MaxDelay >= d.LeaseTimeout {
		return fmt.Errorf("dispatch.batch_size * dispatch.max_delay (%s) must be below dispatch.lease_timeout (%s)",
			time.Duration(d.BatchSize)*d.MaxDelay, d.LeaseTimeout)
	}
	return nil
}
