package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers accepted by store.driver.
const (
	StoreNone     = "none"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Broker kinds accepted by broker.kind.
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerMemory   = "memory"
)

type Config struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	RabbitMQ struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		VHost    string `yaml:"vhost"`
	} `yaml:"rabbitmq"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Broker struct {
		Kind string `yaml:"kind"`
	} `yaml:"broker"`
	Delay struct {
		TTL             time.Duration `yaml:"ttl"`
		DelayExchange   string        `yaml:"delay_exchange"`
		DelayQueue      string        `yaml:"delay_queue"`
		DelayRoutingKey string        `yaml:"delay_routing_key"`
		WorkExchange    string        `yaml:"work_exchange"`
		ReadyQueue      string        `yaml:"ready_queue"`
		ReadyRoutingKey string        `yaml:"ready_routing_key"`
		ParkingExchange string        `yaml:"parking_exchange"`
		ParkingQueue    string        `yaml:"parking_queue"`
		RetryQueue      string        `yaml:"retry_queue"`
		RetryRoutingKey string        `yaml:"retry_routing_key"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		MaxAttempts     int           `yaml:"max_attempts"`
	} `yaml:"delay"`
	Store struct {
		Driver        string `yaml:"driver"`
		RefetchStatus bool   `yaml:"refetch_status"`
	} `yaml:"store"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads .env (if present), the YAML file at path (if present), applies
// environment overrides and defaults, then validates the result.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads config strictly from a YAML file; the file must exist.
func LoadFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return Load(path)
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overrides file values with environment variables when they are set.
func applyEnv(cfg *Config) error {
	var problems []string

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s must be int", key))
				return
			}
			*dst = n
		}
	}

	str("DATABASE_HOST", &cfg.Database.Host)
	num("DATABASE_PORT", &cfg.Database.Port)
	str("DATABASE_USER", &cfg.Database.User)
	str("DATABASE_PASSWORD", &cfg.Database.Password)
	str("DATABASE_NAME", &cfg.Database.Name)

	str("RABBITMQ_HOST", &cfg.RabbitMQ.Host)
	num("RABBITMQ_PORT", &cfg.RabbitMQ.Port)
	str("RABBITMQ_USER", &cfg.RabbitMQ.User)
	str("RABBITMQ_PASSWORD", &cfg.RabbitMQ.Password)
	str("RABBITMQ_VHOST", &cfg.RabbitMQ.VHost)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)

	str("BROKER_KIND", &cfg.Broker.Kind)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("LOG_LEVEL", &cfg.Log.Level)

	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s must be a duration (e.g. 10s)", key))
				return
			}
			*dst = d
		}
	}
	dur("DELAY_TTL", &cfg.Delay.TTL)
	dur("DELAY_RETRY_DELAY", &cfg.Delay.RetryDelay)
	num("DELAY_MAX_ATTEMPTS", &cfg.Delay.MaxAttempts)
	if v, ok := os.LookupEnv("STORE_REFETCH_STATUS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, "STORE_REFETCH_STATUS must be bool")
		} else {
			cfg.Store.RefetchStatus = b
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// applyDefaults sets safe defaults for some fields.
func applyDefaults(cfg *Config) {
	// Database
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	// RabbitMQ
	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}
	if cfg.RabbitMQ.User == "" {
		cfg.RabbitMQ.User = "guest"
	}
	if cfg.RabbitMQ.Password == "" {
		cfg.RabbitMQ.Password = "guest"
	}

	// Redis
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = BrokerRabbitMQ
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreNone
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}

	// Delay topology; names follow the original demo
	d := &cfg.Delay
	if d.TTL == 0 {
		d.TTL = 10 * time.Second
	}
	if d.DelayExchange == "" {
		d.DelayExchange = "user.order.delay_exchange"
	}
	if d.DelayQueue == "" {
		d.DelayQueue = "user.order.delay_queue"
	}
	if d.DelayRoutingKey == "" {
		d.DelayRoutingKey = "order_delay"
	}
	if d.WorkExchange == "" {
		d.WorkExchange = "user.order.exchange"
	}
	if d.ReadyQueue == "" {
		d.ReadyQueue = "user.order.queue"
	}
	if d.ReadyRoutingKey == "" {
		d.ReadyRoutingKey = "order"
	}
	if d.ParkingExchange == "" {
		d.ParkingExchange = "user.order.parking_exchange"
	}
	if d.ParkingQueue == "" {
		d.ParkingQueue = "user.order.parking_queue"
	}
	if d.RetryQueue == "" {
		d.RetryQueue = "user.order.retry_queue"
	}
	if d.RetryRoutingKey == "" {
		d.RetryRoutingKey = "order_retry"
	}
	if d.RetryDelay == 0 {
		d.RetryDelay = 5 * time.Second
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 5
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	// Broker
	switch c.Broker.Kind {
	case BrokerRabbitMQ, BrokerMemory:
	default:
		problems = append(problems, fmt.Sprintf("broker.kind must be %q or %q", BrokerRabbitMQ, BrokerMemory))
	}

	// RabbitMQ
	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		problems = append(problems, "rabbitmq.port must be in 1..65535")
	}

	// Delay
	if c.Delay.TTL <= 0 {
		problems = append(problems, "delay.ttl must be > 0")
	}
	if c.Delay.DelayQueue == c.Delay.ReadyQueue {
		problems = append(problems, "delay.delay_queue and delay.ready_queue must differ")
	}
	if c.Delay.RetryDelay <= 0 {
		problems = append(problems, "delay.retry_delay must be > 0")
	}
	if c.Delay.MaxAttempts < 1 {
		problems = append(problems, "delay.max_attempts must be >= 1")
	}

	// Store
	switch c.Store.Driver {
	case StoreNone:
		if c.Store.RefetchStatus {
			problems = append(problems, "store.refetch_status requires a store driver")
		}
	case StorePostgres:
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			problems = append(problems, "database.port must be in 1..65535")
		}
		if c.Database.User == "" {
			problems = append(problems, "database.user is required")
		}
		if c.Database.Password == "" {
			problems = append(problems, "database.password is required")
		}
		if c.Database.Name == "" {
			problems = append(problems, "database.database (name) is required")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, "redis.addr is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be one of %s, %s, %s", StoreNone, StorePostgres, StoreRedis))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
