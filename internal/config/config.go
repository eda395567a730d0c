package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		Driver              string `mapstructure:"driver"` // postgres | memory
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lockTTL"` // Lease for the per-account advisory lock
	} `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Provider ProviderConfig `mapstructure:"provider"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Sync SyncWorkerPoolConfig `mapstructure:"sync"`
	} `mapstructure:"workerPools"`
}

// AuthConfig holds the admin API bearer token settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	JWTIssuer string `mapstructure:"jwtIssuer"`
	AdminRole string `mapstructure:"adminRole"`
}

// NATSConfig holds trigger and event subjects and the JetStream consumer settings
type NATSConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	URL                  string        `mapstructure:"url"`
	QueueGroup           string        `mapstructure:"queueGroup"`
	SyncSubject          string        `mapstructure:"syncSubject"`
	DiagnosticSubject    string        `mapstructure:"diagnosticSubject"`
	CompletedSubject     string        `mapstructure:"completedSubject"`
	RefreshFailedSubject string        `mapstructure:"refreshFailedSubject"`
	DLQSubject           string        `mapstructure:"dlqSubject"`
	TriggerStream        string        `mapstructure:"triggerStream"`
	TriggerConsumer      string        `mapstructure:"triggerConsumer"`
	EventsStream         string        `mapstructure:"eventsStream"`
	MaxAgeDays           int           `mapstructure:"maxAgeDays"` // Stream retention
	MaxDeliver           int           `mapstructure:"maxDeliver"`
	NakBaseDelay         time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay          time.Duration `mapstructure:"nakMaxDelay"`
}

// ProviderConfig holds configuration for the external call-data API client
type ProviderConfig struct {
	BaseURL            string        `mapstructure:"baseURL"`
	TokenURL           string        `mapstructure:"tokenURL"`
	ClientID           string        `mapstructure:"clientID"`
	ClientSecret       string        `mapstructure:"clientSecret"`
	PageSize           int           `mapstructure:"pageSize"`
	MaxPages           int           `mapstructure:"maxPages"`           // Safety bound on pages per run
	InterPageDelay     time.Duration `mapstructure:"interPageDelay"`     // Fixed delay between page requests
	TokenRefreshMargin time.Duration `mapstructure:"tokenRefreshMargin"` // Refresh when expiry is closer than this
	RequestTimeout     time.Duration `mapstructure:"requestTimeout"`
	Pagination         string        `mapstructure:"pagination"` // token | offset
	MaxRetryElapsed    time.Duration `mapstructure:"maxRetryElapsed"`
	Breaker            struct {
		MaxRequests      uint32        `mapstructure:"maxRequests"`
		Interval         time.Duration `mapstructure:"interval"`
		Timeout          time.Duration `mapstructure:"timeout"`
		FailureThreshold uint32        `mapstructure:"failureThreshold"`
	} `mapstructure:"breaker"`
}

// SyncConfig holds orchestrator and retention settings
type SyncConfig struct {
	RunTimeout          time.Duration `mapstructure:"runTimeout"`
	SampleLimit         int           `mapstructure:"sampleLimit"`      // Max skipped items kept on a run
	AutoSyncCooldown    time.Duration `mapstructure:"autoSyncCooldown"` // Skip auto runs after a recent success
	RetentionDays       int           `mapstructure:"retentionDays"`
	AutoSyncCron        string        `mapstructure:"autoSyncCron"`
	PurgeCron           string        `mapstructure:"purgeCron"`
	DefaultLookbackDays int           `mapstructure:"defaultLookbackDays"`
}

// SyncWorkerPoolConfig holds configuration for the multi-account sync worker pool
type SyncWorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of concurrent account runs
	QueueSize  int           `mapstructure:"queueSize"`  // Max blocking submitters
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.voice-call-sync")
	v.AddConfigPath("/etc/voice-call-sync")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if secret := os.Getenv("PROVIDER_CLIENT_SECRET"); secret != "" {
		v.Set("provider.clientSecret", secret)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwtSecret", secret)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lockTTL", 15*time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.queueGroup", "call-sync-workers")
	v.SetDefault("nats.syncSubject", "v1.calls.sync.request")
	v.SetDefault("nats.diagnosticSubject", "v1.calls.diagnostic.request")
	v.SetDefault("nats.completedSubject", "v1.calls.sync.completed")
	v.SetDefault("nats.refreshFailedSubject", "v1.calls.sync.refresh_failed")
	v.SetDefault("nats.dlqSubject", "v1.calls.dlq")
	v.SetDefault("nats.triggerStream", "call_sync_requests")
	v.SetDefault("nats.triggerConsumer", "call_sync_requests_consumer")
	v.SetDefault("nats.eventsStream", "call_sync_events")
	v.SetDefault("nats.maxAgeDays", 7)
	v.SetDefault("nats.maxDeliver", 5)
	v.SetDefault("nats.nakBaseDelay", 2*time.Second)
	v.SetDefault("nats.nakMaxDelay", time.Minute)

	v.SetDefault("provider.pageSize", 100)
	v.SetDefault("provider.maxPages", 50)
	v.SetDefault("provider.interPageDelay", 500*time.Millisecond)
	v.SetDefault("provider.tokenRefreshMargin", 5*time.Minute)
	v.SetDefault("provider.requestTimeout", 30*time.Second)
	v.SetDefault("provider.pagination", "token")
	v.SetDefault("provider.maxRetryElapsed", 30*time.Second)
	v.SetDefault("provider.breaker.maxRequests", 1)
	v.SetDefault("provider.breaker.interval", time.Minute)
	v.SetDefault("provider.breaker.timeout", 30*time.Second)
	v.SetDefault("provider.breaker.failureThreshold", 5)

	v.SetDefault("sync.runTimeout", 10*time.Minute)
	v.SetDefault("sync.sampleLimit", 50)
	v.SetDefault("sync.autoSyncCooldown", 15*time.Minute)
	v.SetDefault("sync.retentionDays", 90)
	v.SetDefault("sync.autoSyncCron", "0 */30 * * * *")
	v.SetDefault("sync.purgeCron", "0 15 3 * * *")
	v.SetDefault("sync.defaultLookbackDays", 30)

	v.SetDefault("workerPools.sync.poolSize", 8)
	v.SetDefault("workerPools.sync.queueSize", 1000)
	v.SetDefault("workerPools.sync.expiryTime", time.Minute)

	v.SetDefault("auth.adminRole", "admin")
}

func (c *Config) validate() error {
	switch c.Provider.Pagination {
	case "token", "offset":
	default:
		return fmt.Errorf("provider.pagination must be token or offset, got %q", c.Provider.Pagination)
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Provider.MaxPages <= 0 {
		return fmt.Errorf("provider.maxPages must be positive")
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
