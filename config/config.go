// Package config loads the service configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/shipper/deploy"
	"github.com/GoCodeAlone/shipper/fetch"
	"github.com/GoCodeAlone/shipper/remote"
	"github.com/GoCodeAlone/shipper/verify"
)

// Config is the full configuration for the shipper service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Fetch   fetch.Config  `yaml:"fetch"`
	Remote  RemoteConfig  `yaml:"remote"`
	Verify  verify.Config `yaml:"verify"`
	Deploy  deploy.Config `yaml:"deploy"`
	History HistoryConfig `yaml:"history"`
	S3      S3Config      `yaml:"s3"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RemoteConfig holds target-host connection and execution settings.
type RemoteConfig struct {
	SSH            remote.SSHConfig `yaml:"ssh"`
	CommandTimeout time.Duration    `yaml:"commandTimeout"`
}

// HistoryConfig holds deployment history settings.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// S3Config holds object store settings for minting artifact references.
// When Bucket is empty the minting endpoint is disabled.
type S3Config struct {
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"accessKey"`
	SecretKey string        `yaml:"secretKey"`
	URLTTL    time.Duration `yaml:"urlTTL"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Fetch:  fetch.DefaultConfig(),
		Remote: RemoteConfig{
			SSH:            remote.SSHConfig{Port: 22},
			CommandTimeout: 60 * time.Second,
		},
		Verify:  verify.DefaultConfig(),
		Deploy:  deploy.DefaultConfig(),
		History: HistoryConfig{Path: "shipper.db"},
		S3:      S3Config{URLTTL: 15 * time.Minute},
	}
}

// LoadFromFile loads configuration from a YAML file, with defaults for any
// setting the file omits.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Remote.SSH.User == "" {
		return fmt.Errorf("remote.ssh.user must be set")
	}
	if c.Remote.SSH.KeyFile == "" {
		return fmt.Errorf("remote.ssh.keyFile must be set")
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path must not be empty")
	}
	return nil
}
