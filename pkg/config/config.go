package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dewei/PriceRadar/pkg/model"
)

// Config 应用配置
type Config struct {
	App struct {
		Name      string `yaml:"name" envconfig:"APP_NAME"`
		Env       string `yaml:"env" envconfig:"APP_ENV"`
		LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
		LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`
	} `yaml:"app"`

	Storage struct {
		Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"` // postgres | memory
	} `yaml:"storage"`

	Database struct {
		Postgres struct {
			Host         string `yaml:"host" envconfig:"DB_HOST"`
			Port         int    `yaml:"port" envconfig:"DB_PORT"`
			User         string `yaml:"user" envconfig:"DB_USER"`
			Password     string `yaml:"password" envconfig:"DB_PASSWORD"`
			DBName       string `yaml:"dbname" envconfig:"DB_NAME"`
			SSLMode      string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
			MaxOpenConns int    `yaml:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
		} `yaml:"postgres"`
	} `yaml:"database"`

	PriceAPI struct {
		BaseURL   string        `yaml:"base_url" envconfig:"EXTERNAL_API_BASE_URL"`
		Timeout   time.Duration `yaml:"timeout" envconfig:"PRICE_API_TIMEOUT"`
		RateLimit float64       `yaml:"rate_limit" envconfig:"PRICE_API_RATE_LIMIT"`
		Burst     int           `yaml:"burst" envconfig:"PRICE_API_BURST"`
	} `yaml:"price_api"`

	Notification struct {
		DefaultWebhookURL string        `yaml:"default_webhook_url" envconfig:"DISCORD_WEBHOOK_URL_GLOBAL_DEFAULT"`
		Timeout           time.Duration `yaml:"timeout" envconfig:"NOTIFY_TIMEOUT"`
		Footer            string        `yaml:"footer" envconfig:"NOTIFY_FOOTER"`
	} `yaml:"notification"`

	Engine struct {
		Enabled          bool          `yaml:"enabled" envconfig:"ENGINE_ENABLED"`
		Schedule         string        `yaml:"schedule" envconfig:"CRON_SCHEDULE"`
		FetchConcurrency int           `yaml:"fetch_concurrency" envconfig:"FETCH_CONCURRENCY"`
		CycleTimeout     time.Duration `yaml:"cycle_timeout" envconfig:"CYCLE_TIMEOUT"`
		RecoverNoWebhook bool          `yaml:"recover_no_webhook" envconfig:"RECOVER_NO_WEBHOOK"`
	} `yaml:"engine"`

	NATS struct {
		URL           string `yaml:"url" envconfig:"NATS_URL"`
		SubjectPrefix string `yaml:"subject_prefix" envconfig:"NATS_SUBJECT_PREFIX"`
	} `yaml:"nats"`

	API struct {
		Port         string        `yaml:"port" envconfig:"PORT"`
		ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"API_READ_TIMEOUT"`
		WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"API_WRITE_TIMEOUT"`
	} `yaml:"api"`
}

// Default 返回未做任何设置时的默认配置
func Default() *Config {
	var c Config
	c.App.Name = "price-radar"
	c.App.Env = "dev"
	c.App.LogLevel = "info"
	c.App.LogFormat = "text"

	c.Storage.Driver = "postgres"

	c.Database.Postgres.Host = "localhost"
	c.Database.Postgres.Port = 5432
	c.Database.Postgres.User = "postgres"
	c.Database.Postgres.DBName = "price_radar"
	c.Database.Postgres.SSLMode = "disable"
	c.Database.Postgres.MaxOpenConns = 10

	c.PriceAPI.Timeout = 10 * time.Second
	c.PriceAPI.RateLimit = 5
	c.PriceAPI.Burst = 5

	c.Notification.Timeout = 10 * time.Second
	c.Notification.Footer = "Price Radar Bot"

	c.Engine.Enabled = true
	c.Engine.Schedule = "*/1 * * * *"
	c.Engine.FetchConcurrency = 4
	c.Engine.CycleTimeout = 5 * time.Minute
	c.Engine.RecoverNoWebhook = true

	c.NATS.SubjectPrefix = "alerts"

	c.API.Port = "5001"
	c.API.ReadTimeout = 15 * time.Second
	c.API.WriteTimeout = 15 * time.Second
	return &c
}

// LoadConfig 加载配置: 先读 yaml 文件(文件不存在不算错误), 再读 .env, 最后用环境变量覆盖并校验
func LoadConfig(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// .env 可选
	_ = godotenv.Load()

	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置, 拒绝无法启动服务的设置
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Engine.Schedule); err != nil {
		return &model.ConfigurationError{Component: "scheduler", Reason: fmt.Sprintf("invalid cron schedule %q: %v", c.Engine.Schedule, err)}
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return &model.ConfigurationError{Component: "storage", Reason: fmt.Sprintf("unknown driver %q", c.Storage.Driver)}
	}
	if c.Engine.FetchConcurrency <= 0 {
		return &model.ConfigurationError{Component: "engine", Reason: "fetch_concurrency must be positive"}
	}
	if c.Engine.CycleTimeout <= 0 {
		return &model.ConfigurationError{Component: "engine", Reason: "cycle_timeout must be positive"}
	}
	if c.PriceAPI.Timeout <= 0 || c.Notification.Timeout <= 0 {
		return &model.ConfigurationError{Component: "http", Reason: "timeouts must be positive"}
	}
	if c.PriceAPI.RateLimit <= 0 || c.PriceAPI.Burst <= 0 {
		return &model.ConfigurationError{Component: "price_api", Reason: "rate_limit and burst must be positive"}
	}
	return nil
}

// DSN 生成 postgres 连接字符串
func (c *Config) DSN() string {
	p := c.Database.Postgres
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// GetDefaultConfigPath 获取默认配置文件路径 configs/<APP_ENV>/app.yaml
func GetDefaultConfigPath() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	return fmt.Sprintf("configs/%s/app.yaml", env)
}

// ResolvePath 优先使用 CONFIG_PATH, 否则使用默认路径
func ResolvePath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return GetDefaultConfigPath()
}
