package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jogardn/allergy-notices/internal/dismissal"
	"github.com/jogardn/allergy-notices/internal/store"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "NOTICE"

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// notice-service
	Port        string `mapstructure:"port"`
	StoreDriver string `mapstructure:"store_driver"`
	DBHost      string `mapstructure:"db_host"`
	DBPort      string `mapstructure:"db_port"`
	DBUser      string `mapstructure:"db_user"`
	DBPassword  string `mapstructure:"db_password"`
	DBName      string `mapstructure:"db_name"`
	DBSSLMode   string `mapstructure:"db_sslmode"`

	KafkaEnabled bool   `mapstructure:"kafka_enabled"`
	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	KafkaGroup   string `mapstructure:"kafka_group"`

	// notice-device
	ServiceURL         string        `mapstructure:"service_url"`
	WebSocketURL       string        `mapstructure:"ws_url"`
	RestaurantIDs      []string      `mapstructure:"restaurant_ids"`
	Role               string        `mapstructure:"role"`
	UserID             string        `mapstructure:"user_id"`
	DataDir            string        `mapstructure:"data_dir"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BannerDuration     time.Duration `mapstructure:"banner_duration"`
	DismissalCapacity  int           `mapstructure:"dismissal_capacity"`
	DraftTTL           time.Duration `mapstructure:"draft_ttl"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

var defaults = map[string]interface{}{
	"log_level":            "info",
	"port":                 "8081",
	"store_driver":         "postgres",
	"db_host":              "localhost",
	"db_port":              "5432",
	"db_user":              "notices",
	"db_password":          "notices",
	"db_name":              "notices",
	"db_sslmode":           "disable",
	"kafka_enabled":        false,
	"kafka_brokers":        "localhost:9092",
	"kafka_topic":          "notice.updated",
	"kafka_group":          "notice-service",
	"service_url":          "http://localhost:8081",
	"ws_url":               "ws://localhost:8081/ws",
	"restaurant_ids":       []string{},
	"role":                 string(models.ActorDiner),
	"user_id":              "",
	"data_dir":             "",
	"poll_interval":        "15s",
	"banner_duration":      "9s",
	"dismissal_capacity":   25,
	"draft_ttl":            "1h",
	"http_timeout":         "10s",
	"breaker_max_failures": 5,
	"breaker_timeout":      "30s",
}

// Load reads defaults, an optional config file, a .env file, NOTICE_*
// environment variables and finally any bound flags, later sources winning.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := defaults[key]; known && bindErr == nil {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var config Config
	decoderConfigOption := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err := v.Unmarshal(&config, decoderConfigOption); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch models.Actor(c.Role) {
	case models.ActorDiner, models.ActorServer, models.ActorKitchen:
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid store_driver %q", c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.DismissalCapacity <= 0 || c.DismissalCapacity > dismissal.MaxCapacity {
		return fmt.Errorf("dismissal_capacity must be between 1 and %d", dismissal.MaxCapacity)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) Postgres() store.PostgresConfig {
	return store.PostgresConfig{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Name:     c.DBName,
		SSLMode:  c.DBSSLMode,
	}
}

// Logger builds the JSON logger every binary uses.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// KafkaGroupID gives each service replica its own consumer group so every
// replica receives every update.
func (c *Config) KafkaGroupID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return c.KafkaGroup
	}
	return c.KafkaGroup + "-" + host
}
