package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Proxy struct {
		PortRangeStart int `yaml:"portRangeStart"`
		PortRangeEnd   int `yaml:"portRangeEnd"`
	} `yaml:"proxy"`

	CA struct {
		ServerSecret  string `yaml:"serverSecret"`
		LeafCacheSize int    `yaml:"leafCacheSize"`
	} `yaml:"ca"`

	Control struct {
		Addr string `yaml:"addr"`
	} `yaml:"control"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Sqlite.Dsn = "db.sqlite3"
	cfg.Sqlite.Prefix = "reqsploit_"
	cfg.Log.Level = "debug"
	cfg.Log.Writer = []string{"console", "file"}
	cfg.Log.File = "reqsploit.log"
	cfg.Proxy.PortRangeStart = 8000
	cfg.Proxy.PortRangeEnd = 9000
	cfg.CA.LeafCacheSize = 1000
	cfg.Control.Addr = "127.0.0.1:7070"
	return cfg
}

// Load 读取 YAML 配置文件，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
