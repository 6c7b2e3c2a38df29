// Package config loads the external-gateway configuration surface
// (bind address, TLS file paths, CORS host, rate limiting, log level) from
// an environment-selected file, environment variables, and defaults, using
// viper the way other services in this codebase's ecosystem do.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full external-gateway configuration surface named in the
// wire interface section: bind address, TLS material, auto-join, rate
// limiting, log level, and the CORS allow-list host.
type Config struct {
	BindAddress string `mapstructure:"bind_address"`

	KeyFilePath  string `mapstructure:"key_file_path"`
	CertFilePath string `mapstructure:"cert_file_path"`

	AutoJoin bool `mapstructure:"auto_join"`

	RateLimitPerSecond int `mapstructure:"rate_limit_per_second"`
	RateLimitBurstSize int `mapstructure:"rate_limit_burst_size"`

	LogLevel string `mapstructure:"log_level"`

	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`
}

// Env is the RUN_ENV environment selector.
type Env string

const (
	Development Env = "development"
	DockerDev   Env = "docker-dev"
	Production  Env = "production"
)

func defaults() Config {
	return Config{
		BindAddress:        ":8443",
		AutoJoin:           true,
		RateLimitPerSecond: 50,
		RateLimitBurstSize: 100,
		LogLevel:           "debug",
		CORSAllowedOrigins: "localhost",
	}
}

// CurrentEnv reads RUN_ENV, defaulting to Development when unset or
// unrecognized.
func CurrentEnv() Env {
	switch Env(strings.ToLower(os.Getenv("RUN_ENV"))) {
	case DockerDev:
		return DockerDev
	case Production:
		return Production
	default:
		return Development
	}
}

// Load reads config/<RUN_ENV>.{yaml,yml,json} relative to dir (the working
// directory if dir is empty), applies PASTEPOINT_* environment variable
// overrides, and fills unset fields with defaults. A missing config file is
// not an error: defaults plus environment overrides are enough to run.
func Load(dir string) (*Config, error) {
	env := CurrentEnv()

	v := viper.New()
	v.SetConfigName(string(env))
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir + "/config")

	v.SetEnvPrefix("PASTEPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaults()
	v.SetDefault("bind_address", def.BindAddress)
	// Every key needs a default, even an empty one: Unmarshal only sees
	// environment overrides for keys viper already knows about.
	v.SetDefault("key_file_path", def.KeyFilePath)
	v.SetDefault("cert_file_path", def.CertFilePath)
	v.SetDefault("auto_join", def.AutoJoin)
	v.SetDefault("rate_limit_per_second", def.RateLimitPerSecond)
	v.SetDefault("rate_limit_burst_size", def.RateLimitBurstSize)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("cors_allowed_origins", def.CORSAllowedOrigins)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config for env %q: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
