package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	Storage     string    `mapstructure:"storage"`
	Database    Database  `mapstructure:"database"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
	Engine      Engine    `mapstructure:"engine"`
	Faults      Faults    `mapstructure:"faults"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type Engine struct {
	Workers          int           `mapstructure:"workers"`
	ReviewWindow     time.Duration `mapstructure:"review_window"`
	ShippingAttempts int           `mapstructure:"shipping_attempts"`
	ActivityTimeout  time.Duration `mapstructure:"activity_timeout"`
	ActivityAttempts int           `mapstructure:"activity_attempts"`
}

type Faults struct {
	ErrorRate float64 `mapstructure:"error_rate"`
	HangRate  float64 `mapstructure:"hang_rate"`
	Seed      int64   `mapstructure:"seed"`
}

func ReadConfig() (*Config, error) {
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Allow environment variables to override config
	viper.AutomaticEnv()
	viper.SetEnvPrefix("FULFILLMENT")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, defaults plus env cover local runs
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults() {
	viper.SetDefault("service_name", "fulfillment-orchestrator")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))
	viper.SetDefault("storage", getEnv("STORAGE", "postgres"))

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "fulfillment")
	viper.SetDefault("database.ssl_mode", "disable")

	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTLP_ENDPOINT", ""))

	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.review_window", "3s")
	viper.SetDefault("engine.shipping_attempts", 2)
	viper.SetDefault("engine.activity_timeout", "2s")
	viper.SetDefault("engine.activity_attempts", 2)

	viper.SetDefault("faults.error_rate", 0.0)
	viper.SetDefault("faults.hang_rate", 0.0)
	viper.SetDefault("faults.seed", 0)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if url := viper.GetString("database.url"); url != "" {
		return url
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
