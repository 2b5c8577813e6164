// Copyright 2026 The Restartvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conf loads the restart supervisor daemon's configuration.
//
// Values come from, in increasing order of precedence: built-in defaults,
// an optional config file (YAML, JSON or TOML), RESTARTVISOR_* environment
// variables, and command line flags.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/claude-mpm/restartvisor"
)

// EnvPrefix prefixes environment variables, so that restart.max_attempts
// is read from RESTARTVISOR_RESTART_MAX_ATTEMPTS.
const EnvPrefix = "RESTARTVISOR"

// Config is the daemon configuration.
type Config struct {
	Listen       string
	StateDir     string
	ManifestDir  string
	PollInterval time.Duration
	Restart      restartvisor.RestartConfig
	Log          restartvisor.LogOptions
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":        "listen",
	"state-dir":     "state_dir",
	"manifests":     "manifest_dir",
	"poll-interval": "poll_interval",
	"log-level":     "log.level",
}

// Load reads the configuration.  An empty path means no config file.
// Flags in fs that were set on the command line override everything
// else; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	c := &Config{
		Listen:       v.GetString("listen"),
		StateDir:     v.GetString("state_dir"),
		ManifestDir:  v.GetString("manifest_dir"),
		PollInterval: v.GetDuration("poll_interval"),
		Restart: restartvisor.RestartConfig{
			MaxAttempts:             v.GetInt("restart.max_attempts"),
			InitialBackoff:          v.GetDuration("restart.initial_backoff"),
			MaxBackoff:              v.GetDuration("restart.max_backoff"),
			BackoffMultiplier:       v.GetFloat64("restart.backoff_multiplier"),
			CircuitBreakerThreshold: v.GetInt("restart.circuit_breaker_threshold"),
			CircuitBreakerWindow:    v.GetDuration("restart.circuit_breaker_window"),
			CircuitBreakerReset:     v.GetDuration("restart.circuit_breaker_reset"),
		},
		Log: restartvisor.LogOptions{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
	}
	if err := c.Restart.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	d := restartvisor.DefaultRestartConfig()

	v.SetDefault("listen", "127.0.0.1:8321")
	v.SetDefault("state_dir", "/var/lib/restartvisor")
	v.SetDefault("manifest_dir", "/etc/restartvisor/manifests")
	v.SetDefault("poll_interval", restartvisor.DefaultPollInterval)

	v.SetDefault("restart.max_attempts", d.MaxAttempts)
	v.SetDefault("restart.initial_backoff", d.InitialBackoff)
	v.SetDefault("restart.max_backoff", d.MaxBackoff)
	v.SetDefault("restart.backoff_multiplier", d.BackoffMultiplier)
	v.SetDefault("restart.circuit_breaker_threshold", d.CircuitBreakerThreshold)
	v.SetDefault("restart.circuit_breaker_window", d.CircuitBreakerWindow)
	v.SetDefault("restart.circuit_breaker_reset", d.CircuitBreakerReset)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}
