// Package config loads and validates the proxy configuration from a JSON or
// YAML file, selected by file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// ReadMode selects the read strategy.
type ReadMode string

const (
	ReadPrimaryOnly     ReadMode = "PRIMARY_ONLY"
	ReadPrimaryFallback ReadMode = "PRIMARY_FALLBACK"
	ReadBestEffort      ReadMode = "BEST_EFFORT"
	ReadAllConsistent   ReadMode = "ALL_CONSISTENT"
)

// WriteMode selects the write strategy.
type WriteMode string

const (
	WriteAsyncReplication WriteMode = "ASYNC_REPLICATION"
	WriteMultiSync        WriteMode = "MULTI_SYNC"
)

// DefaultVirtualBucket is the bucket name clients use when the config does
// not set one.
const DefaultVirtualBucket = "mybucket"

// Config is the full proxy configuration.
type Config struct {
	VirtualBucket                 string    `json:"virtualBucket" yaml:"virtualBucket"`
	ReadMode                      ReadMode  `json:"readMode" yaml:"readMode"`
	WriteMode                     WriteMode `json:"writeMode" yaml:"writeMode"`
	PrimaryBackendName            string    `json:"primaryBackendName" yaml:"primaryBackendName"`
	UseLatencyBasedPrimaryBackend bool      `json:"useLatencyBasedPrimaryBackend" yaml:"useLatencyBasedPrimaryBackend"`
	Backends                      []Backend `json:"backends" yaml:"backends"`
}

// Backend is one entry of the ordered backends list.
type Backend struct {
	Name            string `json:"name" yaml:"name"`
	Type            string `json:"type" yaml:"type"`
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" yaml:"force_path_style"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// Recognized backend types.
const (
	BackendTypeS3     = "s3"
	BackendTypeMemory = "memory"
)

// Load reads, parses, and validates a configuration file. The format is
// chosen by extension: .json, .yaml, or .yml (case-insensitive).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	case "":
		return nil, fmt.Errorf("config file must have a .json, .yaml, or .yml extension")
	default:
		return nil, fmt.Errorf("unsupported config file extension %q (supported: .json, .yaml, .yml)", ext)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.VirtualBucket == "" {
		c.VirtualBucket = DefaultVirtualBucket
	}
}

// Validate enforces the startup invariants. Any error here is fatal.
func (c *Config) Validate() error {
	switch c.ReadMode {
	case ReadPrimaryOnly, ReadPrimaryFallback, ReadBestEffort, ReadAllConsistent:
	case "":
		return fmt.Errorf("readMode is required")
	default:
		return fmt.Errorf("unknown readMode %q", c.ReadMode)
	}

	switch c.WriteMode {
	case WriteAsyncReplication, WriteMultiSync:
	case "":
		return fmt.Errorf("writeMode is required")
	default:
		return fmt.Errorf("unknown writeMode %q", c.WriteMode)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("backends list must not be empty")
	}

	seen := map[string]bool{}
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		switch b.Type {
		case BackendTypeS3:
			if b.Region == "" {
				return fmt.Errorf("backend %q: region is required", b.Name)
			}
			if b.Bucket == "" {
				return fmt.Errorf("backend %q: bucket is required", b.Name)
			}
		case BackendTypeMemory:
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.Name, b.Type)
		}
	}

	if c.PrimaryBackendName != "" && c.UseLatencyBasedPrimaryBackend {
		return fmt.Errorf("primaryBackendName and useLatencyBasedPrimaryBackend are mutually exclusive")
	}
	if c.PrimaryBackendName != "" && !seen[c.PrimaryBackendName] {
		return fmt.Errorf("primary backend %q not found in backends list", c.PrimaryBackendName)
	}

	return nil
}
