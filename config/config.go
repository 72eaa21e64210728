package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// DefaultPath 默认配置文件位置
const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port        string   `yaml:"port"`
		Mode        string   `yaml:"mode"`         // gin 模式: debug / release / test
		CORSOrigins []string `yaml:"cors_origins"` // 为空时允许所有来源
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"` // development / production
	} `yaml:"log"`
	Database struct {
		Driver     string `yaml:"driver"` // mysql / sqlite
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	LLM struct {
		Provider       string `yaml:"provider"` // openai (DeepSeek 等兼容接口) / gemini
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		GeminiAPIKey   string `yaml:"gemini_api_key"`
		GeminiModel    string `yaml:"gemini_model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Image struct {
		Endpoint            string `yaml:"endpoint"`
		APIKey              string `yaml:"api_key"`
		Model               string `yaml:"model"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		MaxPolls            int    `yaml:"max_polls"`
	} `yaml:"image"`
	TTS struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Voice    string `yaml:"voice"`
	} `yaml:"tts"`
	Queue struct {
		Enabled     bool `yaml:"enabled"`
		Concurrency int  `yaml:"concurrency"`
	} `yaml:"queue"`
	Realtime struct {
		Driver string `yaml:"driver"` // local / redis
	} `yaml:"realtime"`
	Admin struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
	} `yaml:"admin"`

	fileMissing bool
}

// FileMissing 配置文件不存在、仅使用默认值时为 true
func (c *Config) FileMissing() bool {
	return c.fileMissing
}

// Load 读取 YAML，填充默认值，再用环境变量覆盖密钥
// 文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("配置文件解析失败: %w", err)
		}
	case os.IsNotExist(err):
		cfg.fileMissing = true
	default:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "development"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/picturebook.db"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.deepseek.com"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "deepseek-chat"
	}
	if c.LLM.GeminiModel == "" {
		c.LLM.GeminiModel = "gemini-2.5-flash"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Image.PollIntervalSeconds <= 0 {
		c.Image.PollIntervalSeconds = 2
	}
	if c.Image.MaxPolls <= 0 {
		c.Image.MaxPolls = 150
	}
	if c.TTS.Voice == "" {
		c.TTS.Voice = "zh_female_story"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 5
	}
	if c.Realtime.Driver == "" {
		c.Realtime.Driver = "local"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "picturebook"
	}
}

// applyEnv 密钥不进配置文件，优先取环境变量
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.LLM.APIKey, "LLM_API_KEY")
	set(&c.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	set(&c.Image.APIKey, "IMAGE_API_KEY")
	set(&c.TTS.APIKey, "TTS_API_KEY")
	set(&c.Admin.Token, "ADMIN_TOKEN")
	set(&c.MySQL.DSN, "MYSQL_DSN")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.MySQL.DSN == "" {
			return fmt.Errorf("database.driver=mysql 但 mysql.dsn 为空")
		}
	case "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("不支持的 LLM provider: %s", c.LLM.Provider)
	}
	switch c.Realtime.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("不支持的 realtime driver: %s", c.Realtime.Driver)
	}
	if (c.Queue.Enabled || c.Realtime.Driver == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("启用队列或 redis 推送时 redis.addr 不能为空")
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		return fmt.Errorf("admin 已启用但未设置 token")
	}
	return nil
}
