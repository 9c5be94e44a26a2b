package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/offline/offline"
)

// optional file overlay. Flags win over the file
type Config struct {
	ApiUrl  string `yaml:"api_url"`
	PushUrl string `yaml:"push_url"`
	DbPath  string `yaml:"db_path"`

	AuthToken          string `yaml:"auth_token"`
	EncryptedAuthToken string `yaml:"encrypted_auth_token"`

	InvokeTimeout      time.Duration `yaml:"invoke_timeout"`
	MaxConcurrentReads int64         `yaml:"max_concurrent_reads"`
	EvictableKeys      []string      `yaml:"evictable_keys"`
}

func DefaultConfig() *Config {
	return &Config{
		ApiUrl: "http://127.0.0.1:8080",
	}
}

// a missing file is the default config
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (self *Config) ClientSettings() *offline.ClientSettings {
	settings := offline.DefaultClientSettings()
	if 0 < self.InvokeTimeout {
		settings.QueueSettings.InvokeTimeout = self.InvokeTimeout
	}
	if 0 < self.MaxConcurrentReads {
		settings.QueueSettings.MaxConcurrentReads = self.MaxConcurrentReads
	}
	if 0 < len(self.EvictableKeys) {
		settings.StoreSettings.EvictableKeys = self.EvictableKeys
	}
	return settings
}
