package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the portal reads from the environment
type Config struct {
	AppEnv string `mapstructure:"app_env"`
	Port   string `mapstructure:"port"`

	DBDriver    string `mapstructure:"db_driver"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	HDFC struct {
		BaseURL             string        `mapstructure:"base_url"`
		APIKey              string        `mapstructure:"api_key"`
		MerchantID          string        `mapstructure:"merchant_id"`
		PaymentPageClientID string        `mapstructure:"payment_page_client_id"`
		ResponseKey         string        `mapstructure:"response_key"`
		ReturnURL           string        `mapstructure:"return_url"`
		Timeout             time.Duration `mapstructure:"timeout"`
	} `mapstructure:"hdfc"`

	Payment struct {
		Currency string `mapstructure:"currency"`
		// TestMode allows test_case_id / test_scenario on session requests
		TestMode bool `mapstructure:"test_mode"`
	} `mapstructure:"payment"`

	Directory struct {
		URL      string        `mapstructure:"url"`
		APIKey   string        `mapstructure:"api_key"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"directory"`

	Kafka struct {
		Brokers string `mapstructure:"brokers"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Firebase struct {
		CredentialsPath string `mapstructure:"credentials_path"`
	} `mapstructure:"firebase"`

	Activation struct {
		Level         int           `mapstructure:"level"`
		Wait          time.Duration `mapstructure:"wait"`
		ClaimTTL      time.Duration `mapstructure:"claim_ttl"`
		CreateTimeout time.Duration `mapstructure:"create_timeout"`
	} `mapstructure:"activation"`

	Sweep struct {
		Interval   time.Duration `mapstructure:"interval"`
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"sweep"`
}

// envKeys maps config keys to the flat environment variable names used in .env files
var envKeys = map[string]string{
	"app_env":                     "APP_ENV",
	"port":                        "PORT",
	"db_driver":                   "DB_DRIVER",
	"database_url":                "DATABASE_URL",
	"redis_url":                   "REDIS_URL",
	"hdfc.base_url":               "HDFC_BASE_URL",
	"hdfc.api_key":                "HDFC_API_KEY",
	"hdfc.merchant_id":            "HDFC_MERCHANT_ID",
	"hdfc.payment_page_client_id": "HDFC_PAYMENT_PAGE_CLIENT_ID",
	"hdfc.response_key":           "HDFC_RESPONSE_KEY",
	"hdfc.return_url":             "HDFC_RETURN_URL",
	"hdfc.timeout":                "HDFC_TIMEOUT",
	"payment.currency":            "PAYMENT_CURRENCY",
	"payment.test_mode":           "PAYMENT_TEST_MODE",
	"directory.url":               "DIRECTORY_URL",
	"directory.api_key":           "DIRECTORY_API_KEY",
	"directory.cache_ttl":         "DIRECTORY_CACHE_TTL",
	"kafka.brokers":               "KAFKA_BROKERS",
	"kafka.topic":                 "KAFKA_TOPIC",
	"firebase.credentials_path":   "FIREBASE_CREDENTIALS_PATH",
	"activation.level":            "SERVICE_REQUEST_LEVEL",
	"activation.wait":             "ACTIVATION_WAIT",
	"activation.claim_ttl":        "ACTIVATION_CLAIM_TTL",
	"activation.create_timeout":   "ACTIVATION_CREATE_TIMEOUT",
	"sweep.interval":              "SWEEP_INTERVAL",
	"sweep.stale_after":           "SWEEP_STALE_AFTER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "production")
	v.SetDefault("port", "8080")
	v.SetDefault("db_driver", "postgres")
	v.SetDefault("hdfc.base_url", "https://smartgatewayuat.hdfcbank.com")
	v.SetDefault("hdfc.timeout", 30*time.Second)
	v.SetDefault("payment.currency", "INR")
	v.SetDefault("payment.test_mode", false)
	v.SetDefault("directory.cache_ttl", 10*time.Minute)
	v.SetDefault("kafka.topic", "payments.events")
	v.SetDefault("firebase.credentials_path", "./firebase-service-account.json")
	v.SetDefault("activation.level", 1)
	v.SetDefault("activation.wait", 5*time.Second)
	v.SetDefault("activation.claim_ttl", 2*time.Minute)
	v.SetDefault("activation.create_timeout", time.Minute)
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.stale_after", 15*time.Minute)
}

// Load reads .env (if present) and the process environment into a Config
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}
	return FromViper(viper.New())
}

// FromViper binds the environment to v and decodes the result
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Payment.Currency = strings.ToUpper(cfg.Payment.Currency)
	return &cfg, nil
}

// Validate checks the settings the payment flow cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is not set"))
	}
	if c.HDFC.APIKey == "" || c.HDFC.MerchantID == "" {
		errs = append(errs, errors.New("HDFC_API_KEY and HDFC_MERCHANT_ID are required"))
	}
	if c.HDFC.ResponseKey == "" {
		errs = append(errs, errors.New("HDFC_RESPONSE_KEY is required to verify callbacks"))
	}
	if len(c.Payment.Currency) != 3 {
		errs = append(errs, fmt.Errorf("PAYMENT_CURRENCY %q is not an ISO code", c.Payment.Currency))
	}
	return errors.Join(errs...)
}

// IsDevelopment is true for local runs
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// KafkaBrokers splits the comma separated broker list
func (c *Config) KafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
