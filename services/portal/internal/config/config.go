package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML config file.
const FileEnv = "PORTAL_CONFIG"

// Config holds runtime configuration for portalctl.
type Config struct {
	APIURL            string        `env:"PORTAL_API_URL,required"`
	AllowInsecureHTTP bool          `env:"PORTAL_ALLOW_INSECURE_HTTP,default=false"`
	Timeout           time.Duration `env:"PORTAL_TIMEOUT,default=15s"`
	StateDir          string        `env:"PORTAL_STATE_DIR"`
	RedisURL          string        `env:"PORTAL_REDIS_URL"`
	SessionTTL        time.Duration `env:"PORTAL_SESSION_TTL,default=12h"`
	TokenDir          string        `env:"PORTAL_TOKEN_DIR"`
	AgeIdentity       string        `env:"PORTAL_AGE_IDENTITY"`
	AllowedRoles      []string      `env:"PORTAL_ALLOWED_ROLES,default=user,admin"`
	LogLevel          string        `env:"PORTAL_LOG_LEVEL,default=warn"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsFile       string        `env:"PORTAL_METRICS_FILE"`
	NATSURL           string        `env:"PORTAL_NATS_URL"`
}

// Load returns a Config populated from the process environment and the optional config file.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves values from env first and the config file second.
func LoadWith(ctx context.Context, env envconfig.Lookuper) (Config, error) {
	path, explicit := filePath(env)
	values, err := readFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			values = nil
		} else {
			return Config{}, err
		}
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MultiLookuper(env, envconfig.MapLookuper(values)),
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func filePath(env envconfig.Lookuper) (string, bool) {
	if p, ok := env.Lookup(FileEnv); ok && p != "" {
		return p, true
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, "portal", "config.yaml"), false
}

// readFile loads a flat YAML mapping keyed by the same names as the environment.
// Sequences are joined with commas.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			values[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: key %s must be a scalar or list", path, k)
		default:
			values[k] = fmt.Sprint(val)
		}
	}
	return values, nil
}
