// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/msauth/msauth-go/apps/cache"
	"github.com/msauth/msauth-go/apps/cache/filecache"
	"github.com/msauth/msauth-go/apps/cache/keyringcache"
	"github.com/msauth/msauth-go/apps/cache/sqlitecache"
	"github.com/msauth/msauth-go/apps/msauth"
)

// envPrefix prefixes every environment variable read, e.g. MSAUTH_CLIENT_ID.
const envPrefix = "MSAUTH"

// Config is the CLI configuration. Values come from flags, then MSAUTH_* environment
// variables, then the config file, then the defaults below.
type Config struct {
	ClientID         string   `mapstructure:"client-id" validate:"required"`
	Tenant           string   `mapstructure:"tenant" default:"common"`
	Authority        string   `mapstructure:"authority" validate:"omitempty,url"`
	AuthorityType    string   `mapstructure:"authority-type" default:"AAD" validate:"oneof=AAD B2C CIAM"`
	KnownAuthorities []string `mapstructure:"known-authorities"`
	RedirectURI      string   `mapstructure:"redirect-uri" default:"http://localhost:8400/" validate:"url"`
	DomainHint       string   `mapstructure:"domain-hint"`
	Scopes           []string `mapstructure:"scopes" validate:"dive,required"`
	Prompt           string   `mapstructure:"prompt" validate:"omitempty,oneof=login none consent create select_account"`
	LoginHint        string   `mapstructure:"login-hint"`
	PopupPort        int      `mapstructure:"popup-port" validate:"gte=0,lte=65535"`

	// Cache selects the medium sessions are kept in.
	Cache          string `mapstructure:"cache" default:"file" validate:"oneof=file keyring sqlite memory"`
	CacheDir       string `mapstructure:"cache-dir"`
	KeyringService string `mapstructure:"keyring-service" default:"msauth"`

	LogLevel string `mapstructure:"log-level" default:"warn" validate:"oneof=debug info warn error"`
}

// loadConfig reads the configuration. file is the --config flag; when empty,
// msauth.yaml is looked up in the working directory and the user config directory.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("msauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "msauth"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("could not read config file: %w", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	// after Unmarshal, so that empty flag values do not hide the defaults
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not apply config defaults: %w", err)
	}
	if cfg.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return Config{}, fmt.Errorf("no cache-dir set and no user cache directory: %w", err)
		}
		cfg.CacheDir = filepath.Join(dir, "msauth")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// baseOptions are the per-call options every command sends.
func (c Config) baseOptions() msauth.BaseOptions {
	return msauth.BaseOptions{
		ClientID:         c.ClientID,
		Tenant:           c.Tenant,
		AuthorityURL:     c.Authority,
		AuthorityType:    c.AuthorityType,
		KnownAuthorities: c.KnownAuthorities,
		DomainHint:       c.DomainHint,
		RedirectURI:      c.RedirectURI,
	}
}

// openMedium opens the configured cache medium and returns the function that
// releases it.
func openMedium(c Config) (cache.Medium, func() error, error) {
	noop := func() error { return nil }
	switch c.Cache {
	case "memory":
		return cache.NewMemory(), noop, nil
	case "keyring":
		return keyringcache.New(c.KeyringService), noop, nil
	case "file":
		m, err := filecache.New(c.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		return m, noop, nil
	case "sqlite":
		if err := os.MkdirAll(c.CacheDir, 0700); err != nil {
			return nil, nil, fmt.Errorf("could not create cache directory: %w", err)
		}
		m, err := sqlitecache.Open(filepath.Join(c.CacheDir, "msauth.db"))
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache %q", c.Cache)
}
