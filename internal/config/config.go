package config

import (
	"encoding/json"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseType 数据库类型
type DatabaseType string

const (
	DatabaseTypeSQLite DatabaseType = "sqlite"
	DatabaseTypeMySQL  DatabaseType = "mysql"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type   DatabaseType `yaml:"type" json:"type"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql" json:"mysql"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// OpenAIConfig 后端 OpenAI 兼容服务配置
type OpenAIConfig struct {
	BaseURL        string            `yaml:"base_url" json:"base_url"`
	APIKey         string            `yaml:"api_key" json:"api_key"`
	APIVersion     string            `yaml:"api_version" json:"api_version"` // Azure 风格端点的 api-version 参数
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries" json:"max_retries"`
	ExtraHeaders   map[string]string `yaml:"extra_headers" json:"extra_headers"`
	SSLVerify      *bool             `yaml:"ssl_verify" json:"ssl_verify"`
	Proxy          string            `yaml:"proxy" json:"proxy"` // http/https/socks5 代理地址
}

// ModelsConfig 模型别名映射配置
// 请求模型名包含 haiku/sonnet/opus 时分别映射到 Small/Middle/Big
type ModelsConfig struct {
	Big    string `yaml:"big" json:"big"`
	Middle string `yaml:"middle" json:"middle"`
	Small  string `yaml:"small" json:"small"`
}

// LimitsConfig 请求限制配置
type LimitsConfig struct {
	MinTokens    int `yaml:"min_tokens" json:"min_tokens"`
	MaxTokens    int `yaml:"max_tokens" json:"max_tokens"`
	RateLimitRPM int `yaml:"rate_limit_rpm" json:"rate_limit_rpm"` // 每 IP 每分钟请求数，0 表示不限制
}

// AuthConfig 客户端认证配置
type AuthConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"` // 期望的客户端 key，为空则不校验
}

// Config 应用配置
type Config struct {
	Server   ServerConfig
	OpenAI   OpenAIConfig
	Models   ModelsConfig
	Limits   LimitsConfig
	Auth     AuthConfig
	Database DatabaseConfig

	LogRetentionDays int
	Debug            bool
}

// Load 返回默认配置
func Load() *Config {
	sslVerify := true
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8082,
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			APIKey:         "",
			APIVersion:     "",
			TimeoutSeconds: 90,
			MaxRetries:     2,
			ExtraHeaders:   map[string]string{},
			SSLVerify:      &sslVerify,
			Proxy:          "",
		},
		Models: ModelsConfig{
			Big:    "gpt-4o",
			Middle: "gpt-4o",
			Small:  "gpt-4o-mini",
		},
		Limits: LimitsConfig{
			MinTokens:    100,
			MaxTokens:    4096,
			RateLimitRPM: 0,
		},
		Auth: AuthConfig{
			APIKey: "",
		},
		Database: DatabaseConfig{
			Type: DatabaseTypeSQLite,
			SQLite: SQLiteConfig{
				Path: "data.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "",
				Database: "claude-proxy",
				Charset:  "utf8mb4",
			},
		},
		LogRetentionDays: 30,
		Debug:            false,
	}
}

// RequestTimeout 返回后端请求超时时间
func (c *Config) RequestTimeout() time.Duration {
	if c.OpenAI.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.OpenAI.TimeoutSeconds) * time.Second
}

// SSLVerifyEnabled 返回是否校验后端 TLS 证书（默认校验）
func (c *Config) SSLVerifyEnabled() bool {
	if c.OpenAI.SSLVerify == nil {
		return true
	}
	return *c.OpenAI.SSLVerify
}

// YAMLFileConfig YAML 配置文件结构
type YAMLFileConfig struct {
	Server           ServerConfig   `yaml:"server"`
	OpenAI           OpenAIConfig   `yaml:"openai"`
	Models           ModelsConfig   `yaml:"models"`
	Limits           LimitsConfig   `yaml:"limits"`
	Auth             AuthConfig     `yaml:"auth"`
	Database         DatabaseConfig `yaml:"database"`
	LogRetentionDays int            `yaml:"log_retention_days"`
	Debug            bool           `yaml:"debug"`
}

// LoadFromYAML 从 YAML 配置文件加载配置
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var yc YAMLFileConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, err
	}

	cfg := Load()
	applyFileConfig(cfg, &yc)
	return cfg, nil
}

// LoadFromJSON 从 JSON 配置文件加载配置（兼容旧格式）
func LoadFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var yc YAMLFileConfig
	if err := json.Unmarshal(data, &yc); err != nil {
		return nil, err
	}

	cfg := Load()
	applyFileConfig(cfg, &yc)
	return cfg, nil
}

// applyFileConfig 将配置文件中的非零值覆盖到默认配置上
func applyFileConfig(cfg *Config, yc *YAMLFileConfig) {
	if yc.Server.Host != "" {
		cfg.Server.Host = yc.Server.Host
	}
	if yc.Server.Port != 0 {
		cfg.Server.Port = yc.Server.Port
	}

	if yc.OpenAI.BaseURL != "" {
		cfg.OpenAI.BaseURL = yc.OpenAI.BaseURL
	}
	if yc.OpenAI.APIKey != "" {
		cfg.OpenAI.APIKey = yc.OpenAI.APIKey
	}
	if yc.OpenAI.APIVersion != "" {
		cfg.OpenAI.APIVersion = yc.OpenAI.APIVersion
	}
	if yc.OpenAI.TimeoutSeconds != 0 {
		cfg.OpenAI.TimeoutSeconds = yc.OpenAI.TimeoutSeconds
	}
	if yc.OpenAI.MaxRetries != 0 {
		cfg.OpenAI.MaxRetries = yc.OpenAI.MaxRetries
	}
	if len(yc.OpenAI.ExtraHeaders) > 0 {
		cfg.OpenAI.ExtraHeaders = yc.OpenAI.ExtraHeaders
	}
	if yc.OpenAI.SSLVerify != nil {
		cfg.OpenAI.SSLVerify = yc.OpenAI.SSLVerify
	}
	if yc.OpenAI.Proxy != "" {
		cfg.OpenAI.Proxy = yc.OpenAI.Proxy
	}

	if yc.Models.Big != "" {
		cfg.Models.Big = yc.Models.Big
	}
	if yc.Models.Middle != "" {
		cfg.Models.Middle = yc.Models.Middle
	}
	if yc.Models.Small != "" {
		cfg.Models.Small = yc.Models.Small
	}

	if yc.Limits.MinTokens != 0 {
		cfg.Limits.MinTokens = yc.Limits.MinTokens
	}
	if yc.Limits.MaxTokens != 0 {
		cfg.Limits.MaxTokens = yc.Limits.MaxTokens
	}
	if yc.Limits.RateLimitRPM != 0 {
		cfg.Limits.RateLimitRPM = yc.Limits.RateLimitRPM
	}

	if yc.Auth.APIKey != "" {
		cfg.Auth.APIKey = yc.Auth.APIKey
	}

	if yc.Database.Type != "" {
		cfg.Database.Type = yc.Database.Type
	}
	if yc.Database.SQLite.Path != "" {
		cfg.Database.SQLite.Path = yc.Database.SQLite.Path
	}
	if yc.Database.MySQL.Host != "" {
		cfg.Database.MySQL.Host = yc.Database.MySQL.Host
	}
	if yc.Database.MySQL.Port != 0 {
		cfg.Database.MySQL.Port = yc.Database.MySQL.Port
	}
	if yc.Database.MySQL.User != "" {
		cfg.Database.MySQL.User = yc.Database.MySQL.User
	}
	if yc.Database.MySQL.Password != "" {
		cfg.Database.MySQL.Password = yc.Database.MySQL.Password
	}
	if yc.Database.MySQL.Database != "" {
		cfg.Database.MySQL.Database = yc.Database.MySQL.Database
	}
	if yc.Database.MySQL.Charset != "" {
		cfg.Database.MySQL.Charset = yc.Database.MySQL.Charset
	}

	if yc.LogRetentionDays != 0 {
		cfg.LogRetentionDays = yc.LogRetentionDays
	}
	cfg.Debug = yc.Debug
}

// LoadConfig 智能加载配置文件（优先 YAML，兼容 JSON）
func LoadConfig() (*Config, error) {
	if _, err := os.Stat("config.yaml"); err == nil {
		return LoadFromYAML("config.yaml")
	}

	if _, err := os.Stat("config.yml"); err == nil {
		return LoadFromYAML("config.yml")
	}

	if _, err := os.Stat("config.json"); err == nil {
		return LoadFromJSON("config.json")
	}

	return Load(), nil
}
