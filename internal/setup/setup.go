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

// Package setup builds an updater from a configuration file, for use by
// the daemon and the control tool.
package setup

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/config"
	"github.com/transparency-dev/armored-fota/device"
	"github.com/transparency-dev/armored-fota/manifest"
	"github.com/transparency-dev/armored-fota/partition"
	"github.com/transparency-dev/armored-fota/transport"
	"github.com/transparency-dev/armored-fota/updater"
	"github.com/transparency-dev/armored-fota/verify"
	"k8s.io/klog/v2"
)

// Updater opens the storage device named by cfg and returns an updater
// writing to it. The returned closer releases the device. If clock is not
// nil, server certificates are checked against it.
func Updater(cfg *config.Config, clock *transport.Clock, reg prometheus.Registerer) (*updater.Updater, io.Closer, error) {
	current, err := cfg.Version()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: current_version: %v", api.ErrConfiguration, err)
	}

	var v *verify.Verifier
	if cfg.Signing.Enabled {
		if v, err = verify.LoadPublicKey(cfg.Signing.PublicKey); err != nil {
			return nil, nil, err
		}
	}

	var caPEM []byte
	if cfg.Transport.CABundle != "" {
		if caPEM, err = os.ReadFile(cfg.Transport.CABundle); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", api.ErrConfiguration, err)
		}
	}
	d, err := transport.NewNetDialer(caPEM, cfg.Transport.AllowInsecureHTTPS, cfg.Transport.DialTimeout.Duration)
	if err != nil {
		return nil, nil, err
	}
	if clock != nil {
		d.Time = clock.Now
	}
	if refresh := cfg.Transport.DNSCacheRefresh.Duration; refresh > 0 {
		if err := d.CacheDNS(refresh, 10*time.Second); err != nil {
			return nil, nil, err
		}
	}

	ucfg := updater.Config{
		FirmwareType:    cfg.FirmwareType,
		CurrentVersion:  current,
		CheckURL:        cfg.CheckURL,
		UseDeviceID:     cfg.UseDeviceID,
		SigningEnabled:  cfg.Signing.Enabled,
		Verifier:        v,
		ResponseTimeout: cfg.Transport.ResponseTimeout.Duration,
		IdleTimeout:     cfg.Transport.IdleTimeout.Duration,
		LogProgress:     cfg.LogProgress,
		Registerer:      reg,
	}
	if len(cfg.ManifestKeys) > 0 {
		if ucfg.ManifestVerifiers, err = manifest.NewVerifiers(cfg.ManifestKeys...); err != nil {
			return nil, nil, err
		}
	}

	dev, err := partition.OpenFileDevice(cfg.Storage.Path, cfg.Storage.BlockSize, cfg.Blocks())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage %q: %v", cfg.Storage.Path, err)
	}
	table, err := partition.OpenTable(dev, cfg.Geometry())
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	klog.Infof("Storage %s: %d slots, running slot %d, boot slot %d", cfg.Storage.Path, table.NumSlots(), table.Running(), table.Boot())

	u, err := updater.New(ucfg, d, table, device.NewHost(cfg.DeviceID, "", cfg.RestartCommand))
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return u, dev, nil
}
