// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the updater configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/manifest"
	"github.com/transparency-dev/armored-fota/partition"
	"github.com/transparency-dev/armored-fota/version"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s", "5m" and so on.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %v", value.Line, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Signing configures image signature checks.
type Signing struct {
	Enabled bool `yaml:"enabled"`
	// PublicKey is the path to a PEM RSA-4096 public key.
	PublicKey string `yaml:"public_key"`
}

// Transport configures connections to the update servers.
type Transport struct {
	// CABundle is the path to a PEM bundle of trusted roots. The system
	// roots are used when empty.
	CABundle           string   `yaml:"ca_bundle"`
	AllowInsecureHTTPS bool     `yaml:"allow_insecure_https"`
	DialTimeout        Duration `yaml:"dial_timeout"`
	ResponseTimeout    Duration `yaml:"response_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	// DNSCacheRefresh is how often cached DNS entries are refreshed. Zero
	// disables the cache.
	DNSCacheRefresh Duration `yaml:"dns_cache_refresh"`
	// NTPServer, if set, is used to correct the clock certificates are
	// checked against.
	NTPServer string `yaml:"ntp_server"`
}

// Storage describes the device holding the firmware slots.
type Storage struct {
	Path      string `yaml:"path"`
	BlockSize uint   `yaml:"block_size"`
	// Start and Length are in blocks, and cover the boot record as well as
	// the slots.
	Start uint   `yaml:"start"`
	Length uint   `yaml:"length"`
	Slots  []uint `yaml:"slots"`
}

// Config is the contents of the configuration file.
type Config struct {
	FirmwareType   string `yaml:"firmware_type"`
	CurrentVersion string `yaml:"current_version"`
	CheckURL       string `yaml:"check_url"`
	UseDeviceID    bool   `yaml:"use_device_id"`
	// DeviceID overrides the identifier read from the host.
	DeviceID string `yaml:"device_id"`

	Signing Signing `yaml:"signing"`
	// ManifestKeys are note verifier keys. When set, manifests must be
	// signed notes.
	ManifestKeys []string `yaml:"manifest_keys"`

	Transport Transport `yaml:"transport"`
	Storage   Storage   `yaml:"storage"`

	CheckInterval  Duration `yaml:"check_interval"`
	RestartCommand []string `yaml:"restart_command"`
	AdminAddr      string   `yaml:"admin_addr"`
	LogProgress    bool     `yaml:"log_progress"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		CurrentVersion: "0.0.0",
		Transport: Transport{
			DialTimeout:     Duration{30 * time.Second},
			ResponseTimeout: Duration{60 * time.Second},
			IdleTimeout:     Duration{30 * time.Second},
			DNSCacheRefresh: Duration{5 * time.Minute},
		},
		Storage: Storage{
			BlockSize: 512,
		},
		CheckInterval:  Duration{time.Hour},
		RestartCommand: []string{"systemctl", "reboot"},
		AdminAddr:      ":8081",
		LogProgress:    true,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrConfiguration, err)
	}
	return Parse(b)
}

// Parse decodes a configuration document over the defaults and validates
// it. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", api.ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.FirmwareType == "" {
		return fmt.Errorf("%w: firmware_type is required", api.ErrConfiguration)
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("%w: current_version: %v", api.ErrConfiguration, err)
	}
	if _, err := manifest.ParseURL(c.CheckURL); err != nil {
		return fmt.Errorf("%w: check_url: %v", api.ErrConfiguration, err)
	}
	if c.Signing.Enabled && c.Signing.PublicKey == "" {
		return fmt.Errorf("%w: signing enabled without a public_key", api.ErrConfiguration)
	}
	for name, d := range map[string]Duration{
		"dial_timeout":      c.Transport.DialTimeout,
		"response_timeout":  c.Transport.ResponseTimeout,
		"idle_timeout":      c.Transport.IdleTimeout,
		"dns_cache_refresh": c.Transport.DNSCacheRefresh,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: %s is negative", api.ErrConfiguration, name)
		}
	}
	if c.CheckInterval.Duration <= 0 {
		return fmt.Errorf("%w: check_interval must be positive", api.ErrConfiguration)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage path is required", api.ErrConfiguration)
	}
	if c.Storage.BlockSize == 0 {
		return fmt.Errorf("%w: storage block_size must be positive", api.ErrConfiguration)
	}
	return c.Geometry().Validate()
}

// Version returns the running firmware version.
func (c *Config) Version() (version.Version, error) {
	return version.Parse(c.CurrentVersion)
}

// Geometry returns the layout of the boot record and slots.
func (c *Config) Geometry() partition.Geometry {
	return partition.Geometry{
		Start:       c.Storage.Start,
		Length:      c.Storage.Length,
		SlotLengths: c.Storage.Slots,
	}
}

// Blocks returns the number of blocks the storage device must hold.
func (c *Config) Blocks() uint {
	return c.Storage.Start + c.Storage.Length
}
