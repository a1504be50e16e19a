// SPDX-License-Identifier: MIT

// Package bootstrap resolves the settings the reference binaries need
// before a ConfigMgr can be loaded: which root XML document to parse,
// where to look for a product identifier when none is given
// explicitly, and test-only overrides of the /proc/asound root (spec
// §6 "Bootstrap" and "Environment"). It configures nothing about the
// audio policy itself — that is entirely the XML document's job.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/CirrusLogic/tinyhal-sub001/internal/binder"
)

// SettingsFilePath is the default location for the optional settings
// file.
const SettingsFilePath = "/etc/tinyhal/tinyhal.yaml"

// DefaultEtcRoot is where a product-specific audio.<id>.xml is
// expected to live when no explicit XML path is given.
const DefaultEtcRoot = "/etc/tinyhal"

// DefaultProductIDFile is read to obtain the platform-specific product
// identifier used to build <etc>/audio.<id>.xml.
const DefaultProductIDFile = "/etc/tinyhal/product_id"

// Config is the complete set of bootstrap settings: how to find the
// root XML document, and the two test-only environment overrides.
type Config struct {
	// XMLPath, if set, names the root document directly, bypassing
	// product-id resolution entirely (the CLI's explicit-path case).
	XMLPath string `yaml:"xml_path" koanf:"xml_path"`

	// EtcRoot is the directory audio.<id>.xml is resolved against.
	EtcRoot string `yaml:"etc_root" koanf:"etc_root"`

	// ProductIDFile is read for the product identifier when XMLPath
	// is empty.
	ProductIDFile string `yaml:"product_id_file" koanf:"product_id_file"`

	// ProcRoot overrides /proc/asound, used by internal/cardscan.
	// Production deployments never set this; tests do.
	ProcRoot string `yaml:"proc_root" koanf:"proc_root"`

	// HealthAddr is the listen address for internal/health's
	// /healthz and /status endpoints.
	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`

	// LockPath is the singleton-instance lock file for tinyhald.
	LockPath string `yaml:"lock_path" koanf:"lock_path"`

	// RescanPolicy selects internal/binder's lazy-rebind aggressiveness:
	// "always", "once_per_apply", or "never".
	RescanPolicy string `yaml:"rescan_policy" koanf:"rescan_policy"`
}

// DefaultConfig returns the built-in defaults, used when no settings
// file exists.
func DefaultConfig() *Config {
	return &Config{
		EtcRoot:       DefaultEtcRoot,
		ProductIDFile: DefaultProductIDFile,
		ProcRoot:      "/proc/asound",
		HealthAddr:    "127.0.0.1:9998",
		LockPath:      "/var/run/tinyhald.lock",
		RescanPolicy:  "once_per_apply",
	}
}

// LoadConfig reads and parses the settings file at path. A missing
// file is not an error: DefaultConfig is returned unchanged, since the
// settings file itself is optional — the only required inputs are
// the product-id file and the XML document it names.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// #nosec G304 - path is administrator-controlled (flag/env/default), not request input
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("bootstrap: read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: parse settings YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: invalid settings: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings that can never resolve to a usable
// document or listen address.
func (c *Config) Validate() error {
	if c.XMLPath == "" && c.EtcRoot == "" {
		return fmt.Errorf("etc_root must not be empty when xml_path is unset")
	}
	if c.XMLPath == "" && c.ProductIDFile == "" {
		return fmt.Errorf("product_id_file must not be empty when xml_path is unset")
	}
	switch c.RescanPolicy {
	case "", "always", "once_per_apply", "never":
	default:
		return fmt.Errorf("rescan_policy must be one of always, once_per_apply, never (got %q)", c.RescanPolicy)
	}
	return nil
}

// ResolveXMLPath implements the bootstrap algorithm: an explicit
// XMLPath wins outright; otherwise the product identifier is read from
// ProductIDFile and used to build <etc_root>/audio.<id>.xml.
func (c *Config) ResolveXMLPath() (string, error) {
	if c.XMLPath != "" {
		return c.XMLPath, nil
	}

	// #nosec G304 - path comes from administrator-controlled bootstrap config
	raw, err := os.ReadFile(c.ProductIDFile)
	if err != nil {
		return "", fmt.Errorf("bootstrap: read product id file %s: %w", c.ProductIDFile, err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fmt.Errorf("bootstrap: product id file %s is empty", c.ProductIDFile)
	}

	return filepath.Join(c.EtcRoot, fmt.Sprintf("audio.%s.xml", id)), nil
}

// ResolveRescanPolicy converts the validated RescanPolicy string into
// internal/binder's enum, defaulting to RescanOncePerApply when unset.
func (c *Config) ResolveRescanPolicy() binder.RescanPolicy {
	switch c.RescanPolicy {
	case "always":
		return binder.RescanAlways
	case "never":
		return binder.RescanNever
	default:
		return binder.RescanOncePerApply
	}
}
