package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds process-level settings that come from the environment rather
// than the config file. Secrets belong here.
type Env struct {
	ConfigPath string `env:"GUARDBOT_CONFIG" envDefault:"config.yaml"`
	Token      string `env:"GUARDBOT_TOKEN"`
	LogLevel   string `env:"GUARDBOT_LOG_LEVEL"`
	OpsAddr    string `env:"GUARDBOT_OPS_ADDR"`
}

// LoadEnv reads optional dotenv files (missing ones are skipped; variables
// already set win) and parses the environment.
func LoadEnv(dotenvFiles ...string) (Env, error) {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, err
		}
	}
	return env.ParseAs[Env]()
}

// Apply overlays non-empty environment values on cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.Token); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(e.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(e.OpsAddr); v != "" {
		cfg.Ops.Addr = v
		cfg.Ops.Enabled = true
	}
}
