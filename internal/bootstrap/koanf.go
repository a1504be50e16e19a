// SPDX-License-Identifier: MIT

package bootstrap

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// KoanfConfig layers three settings sources, in precedence order
// (highest first): TINYHAL_* environment variables, the optional YAML
// settings file, built-in defaults.
type KoanfConfig struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a KoanfConfig.
type Option func(*KoanfConfig) error

// WithYAMLFile sets the settings file path.
func WithYAMLFile(path string) Option {
	return func(kc *KoanfConfig) error {
		kc.filePath = path
		return nil
	}
}

// WithEnvPrefix overrides the default "TINYHAL" environment prefix.
func WithEnvPrefix(prefix string) Option {
	return func(kc *KoanfConfig) error {
		kc.envPrefix = prefix
		return nil
	}
}

// NewKoanfConfig builds a layered configuration loader from defaults,
// an optional YAML file, and TINYHAL_* environment variables.
func NewKoanfConfig(opts ...Option) (*KoanfConfig, error) {
	kc := &KoanfConfig{
		k:         koanf.New("."),
		envPrefix: "TINYHAL",
	}
	for _, opt := range opts {
		if err := opt(kc); err != nil {
			return nil, fmt.Errorf("bootstrap: apply option: %w", err)
		}
	}
	if err := kc.reload(); err != nil {
		return nil, err
	}
	return kc, nil
}

// Load unmarshals the layered configuration into a Config, seeded with
// DefaultConfig's values so any key absent from both the file and the
// environment keeps its built-in default.
func (kc *KoanfConfig) Load() (*Config, error) {
	cfg := DefaultConfig()

	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Reload re-reads the YAML file and environment variables from
// scratch, atomically swapping in the new view.
func (kc *KoanfConfig) Reload() error {
	return kc.reload()
}

func (kc *KoanfConfig) reload() error {
	newK := koanf.New(".")

	if kc.filePath != "" {
		if err := newK.Load(file.Provider(kc.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("bootstrap: load YAML file: %w", err)
		}
	}

	// Flat key transform: TINYHAL_ETC_ROOT -> etc_root. The env.Provider
	// Prefix option already strips "TINYHAL_"; TransformFunc only needs
	// to lowercase the remainder, keeping underscores as they are,
	// since every Config field is a top-level scalar (unlike the
	// nested device-map shape a richer settings object would need).
	envProvider := env.Provider(".", env.Opt{
		Prefix: kc.envPrefix + "_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, kc.envPrefix+"_")
			return strings.ToLower(k), v
		},
	})
	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("bootstrap: load environment variables: %w", err)
	}

	kc.mu.Lock()
	kc.k = newK
	kc.mu.Unlock()
	return nil
}

// GetString retrieves a single string value, used by callers that want
// one setting without unmarshaling the whole Config.
func (kc *KoanfConfig) GetString(key string) string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.String(key)
}

// All returns the entire layered configuration as a map.
func (kc *KoanfConfig) All() map[string]interface{} {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.All()
}
