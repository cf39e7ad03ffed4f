package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the workflow service.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`
	} `mapstructure:"service"`

	Server struct {
		Port            int           `mapstructure:"port"`
		GRPCPort        int           `mapstructure:"grpc_port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Storage struct {
		Driver string `mapstructure:"driver"` // postgres | memory
	} `mapstructure:"storage"`

	Database struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Database    string        `mapstructure:"name"`
		SSLMode     string        `mapstructure:"sslmode"`
		MaxConns    int32         `mapstructure:"max_conns"`
		MinConns    int32         `mapstructure:"min_conns"`
		MaxConnTime time.Duration `mapstructure:"max_conn_time"`
		MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
		HealthCheck time.Duration `mapstructure:"health_check"`
	} `mapstructure:"database"`

	NATS struct {
		URL                 string `mapstructure:"url"`
		NotificationSubject string `mapstructure:"notification_subject"`
		DocumentEvents      string `mapstructure:"document_events"`
	} `mapstructure:"nats"`

	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	Workflow struct {
		ReminderInterval   time.Duration `mapstructure:"reminder_interval"`
		ReminderThreshold  time.Duration `mapstructure:"reminder_threshold"`
		EscalationGrace    time.Duration `mapstructure:"escalation_grace"`
		EscalationTarget   string        `mapstructure:"escalation_target"`
		DelaySweepInterval time.Duration `mapstructure:"delay_sweep_interval"`
		DefaultApprovalDue time.Duration `mapstructure:"default_approval_due"`
		// Admins may act on every execution.
		Admins []string `mapstructure:"admins"`
	} `mapstructure:"workflow"`

	// Schedules maps a schedule name to a cron spec. Each firing dispatches a
	// schedule event carrying the name.
	Schedules map[string]string `mapstructure:"schedules"`
}

// Load reads config.yaml (optional) from the working directory or ./config
// and overlays WORKFLOWS_* environment variables.
func Load() (*Config, error) {
	return LoadFrom(viper.New(), "")
}

// LoadFrom loads configuration using v. A non-empty file overrides the
// search path.
func LoadFrom(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("WORKFLOWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Workflow.ReminderInterval <= 0 {
		return fmt.Errorf("workflow.reminder_interval must be positive")
	}
	if c.Workflow.DelaySweepInterval <= 0 {
		return fmt.Errorf("workflow.delay_sweep_interval must be positive")
	}
	if c.Workflow.EscalationGrace < 0 || c.Workflow.ReminderThreshold < 0 {
		return fmt.Errorf("workflow durations must not be negative")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password,
		c.Database.Host, c.Database.Port,
		c.Database.Database, c.Database.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-plt-workflows")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "workflows")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.notification_subject", "notifications.workflows")
	v.SetDefault("nats.document_events", "documents.events.>")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("workflow.reminder_interval", time.Minute)
	v.SetDefault("workflow.reminder_threshold", 4*time.Hour)
	v.SetDefault("workflow.escalation_grace", 24*time.Hour)
	v.SetDefault("workflow.escalation_target", "")
	v.SetDefault("workflow.delay_sweep_interval", 15*time.Second)
	v.SetDefault("workflow.default_approval_due", 72*time.Hour)
	v.SetDefault("workflow.admins", []string{})
}
