package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	// Store 是变更记录的持久化对象存储
	Store struct {
		Driver   string        `mapstructure:"driver"` // memory / mysql / postgres
		DSN      string        `mapstructure:"dsn"`
		CacheTTL time.Duration `mapstructure:"cacheTTL"`
	} `mapstructure:"store"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
		// 同时用于 websocket 的 Origin 校验，为空时只允许本地来源
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

func (c *Config) IsDevelopment() bool {
	return c.Running.Env == "" || c.Running.Env == "development"
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("running.port", 8082)
	v.SetDefault("running.env", "development")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.cacheTTL", 5*time.Minute)
	v.SetDefault("kafka.topic", "tracked-changes")
	v.SetDefault("cors.enabled", false)
	return v
}

// Load 读取 .env（可选）与 collabConfig.yaml，环境变量 COLLAB_* 覆盖文件配置。
// 配置文件不存在时只用默认值和环境变量。
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port out of range: %d", c.Running.Port)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverMySQL, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.CacheTTL < 0 {
		return errors.New("store.cacheTTL must not be negative")
	}
	return nil
}
