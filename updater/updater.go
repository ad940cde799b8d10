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

// Package updater drives firmware updates: it checks the manifest for a newer
// image, streams it into the inactive slot, verifies its signature and
// commits it for the next boot.
//
// An Updater runs one attempt at a time; callers serialise Update and the
// ForceUpdate variants.
package updater

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/framing"
	"github.com/transparency-dev/armored-fota/manifest"
	"github.com/transparency-dev/armored-fota/partition"
	"github.com/transparency-dev/armored-fota/transport"
	"github.com/transparency-dev/armored-fota/verify"
	"github.com/transparency-dev/armored-fota/version"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// maxManifestBytes bounds the size of a manifest document.
const maxManifestBytes = 64 << 10

// Device is the hardware the updater runs on.
type Device interface {
	// ID returns the identifier sent with device-scoped manifest checks.
	ID() (string, error)
	// Restart reboots into the slot selected for boot.
	Restart() error
}

// Config holds the updater settings.
type Config struct {
	// FirmwareType is matched exactly against manifest entry types.
	FirmwareType string
	// CurrentVersion is the version of the running firmware. A newer version
	// committed to the running slot takes precedence.
	CurrentVersion version.Version
	// CheckURL locates the manifest.
	CheckURL string
	// UseDeviceID appends ?id=<device id> to CheckURL.
	UseDeviceID bool

	// SigningEnabled requires images to carry a leading signature block,
	// checked with Verifier.
	SigningEnabled bool
	Verifier       *verify.Verifier

	// ManifestVerifiers, if set, requires the manifest to be a signed note.
	ManifestVerifiers note.Verifiers

	// ResponseTimeout bounds the wait for a response, and the whole of a
	// manifest download.
	ResponseTimeout time.Duration
	// IdleTimeout bounds the wait for each read once a response is flowing.
	IdleTimeout time.Duration

	// LogProgress logs download progress every second.
	LogProgress bool
	// Registerer receives the updater metrics, if set.
	Registerer prometheus.Registerer
}

// Offer is an update advertised by the manifest.
type Offer struct {
	Version version.Version
	Target  manifest.Target
}

// Check is the outcome of the most recent manifest check.
type Check struct {
	// At is when the check completed, zero if there has been none.
	At time.Time
	// Offer is the eligible update found, nil if there was none.
	Offer *Offer
	// Err is set when the check failed.
	Err error
}

// Result describes a completed update attempt.
type Result struct {
	// Updated is set when an image was committed for the next boot.
	Updated bool
	// Version and Target identify the image installed.
	Version version.Version
	Target  manifest.Target
	// Written is the number of image bytes written.
	Written int64
}

// Updater checks for and installs firmware updates.
type Updater struct {
	cfg     Config
	dialer  transport.Dialer
	table   *partition.Table
	dev     Device
	metrics *metrics

	mu      sync.Mutex
	state   State
	last    Check
	lastErr error
}

// New returns an updater writing to table, downloading over d.
func New(cfg Config, d transport.Dialer, table *partition.Table, dev Device) (*Updater, error) {
	if cfg.FirmwareType == "" {
		return nil, fmt.Errorf("%w: empty firmware type", api.ErrConfiguration)
	}
	if cfg.SigningEnabled && cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: signing enabled without a public key", api.ErrConfiguration)
	}
	if d == nil || table == nil || dev == nil {
		return nil, fmt.Errorf("%w: dialer, partition table and device are required", api.ErrConfiguration)
	}
	cfg.CurrentVersion = runningVersion(cfg.CurrentVersion, table)
	return &Updater{
		cfg:     cfg,
		dialer:  d,
		table:   table,
		dev:     dev,
		metrics: newMetrics(cfg.Registerer),
	}, nil
}

// runningVersion returns the later of configured and the version committed
// to the slot the device booted from.
func runningVersion(configured version.Version, table *partition.Table) version.Version {
	r := table.Record()
	if r.Slot != table.Running() || r.Version == "" {
		return configured
	}
	v, err := version.Parse(r.Version)
	if err != nil {
		klog.Warningf("Ignoring committed version %q of running slot %d: %v", r.Version, r.Slot, err)
		return configured
	}
	if v.GreaterThan(configured) {
		klog.Infof("Running slot %d holds %s, newer than configured %s", r.Slot, v, configured)
		return v
	}
	return configured
}

// State returns the current updater state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// LastCheck returns the outcome of the most recent manifest check.
func (u *Updater) LastCheck() Check {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func (u *Updater) setState(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != s {
		klog.V(1).Infof("Updater: %s -> %s", u.state, s)
	}
	u.state = s
	u.metrics.state.Set(float64(s))
}

// fail records err as the outcome of the current attempt.
func (u *Updater) fail(err error) {
	u.setState(Failed)
	u.mu.Lock()
	u.lastErr = err
	u.mu.Unlock()
	klog.Errorf("Update failed: %v", err)
}

// attempted counts a finished update attempt.
func (u *Updater) attempted(err error) {
	result := resultFailed
	switch {
	case err == nil:
		result = resultUpdated
	case errors.Is(err, api.ErrSignatureMismatch):
		result = resultSignatureMismatch
	}
	u.metrics.attempts.WithLabelValues(result).Inc()
}

// Check fetches the manifest and returns the update it offers this device,
// or nil when the running firmware is up to date.
func (u *Updater) Check(ctx context.Context) (*Offer, error) {
	offer, err := u.check(ctx)
	if err != nil {
		u.fail(err)
		return nil, err
	}
	u.setState(Idle)
	return offer, nil
}

func (u *Updater) check(ctx context.Context) (*Offer, error) {
	u.setState(Checking)
	doc, err := u.fetchManifest(ctx)
	if err != nil {
		u.recordCheck(nil, err)
		return nil, err
	}

	u.setState(Deciding)
	var offer *Offer
	if e, t, ok := doc.Select(u.cfg.FirmwareType, u.cfg.CurrentVersion); ok {
		offer = &Offer{Version: e.Version.Version(), Target: t}
		klog.Infof("Update available: %s -> %s from %s", u.cfg.CurrentVersion, offer.Version, offer.Target)
	} else {
		klog.Infof("No update available for %q %s", u.cfg.FirmwareType, u.cfg.CurrentVersion)
	}
	u.recordCheck(offer, nil)
	return offer, nil
}

func (u *Updater) recordCheck(o *Offer, err error) {
	u.metrics.checks.Inc()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = Check{At: time.Now(), Offer: o, Err: err}
}

// Update checks for an update and installs it, restarting the device once
// it has been committed. No update being available is not an error.
func (u *Updater) Update(ctx context.Context) (Result, error) {
	offer, err := u.check(ctx)
	if err != nil {
		u.fail(err)
		u.attempted(err)
		return Result{}, err
	}
	if offer == nil {
		u.setState(Idle)
		u.metrics.attempts.WithLabelValues(resultNoUpdate).Inc()
		return Result{}, nil
	}
	return u.install(ctx, offer.Target, offer.Version, u.cfg.SigningEnabled)
}

// ForceUpdate installs the first manifest entry for this firmware type,
// whatever its version.
func (u *Updater) ForceUpdate(ctx context.Context, validate bool) (Result, error) {
	u.setState(Checking)
	doc, err := u.fetchManifest(ctx)
	if err != nil {
		u.recordCheck(nil, err)
		u.fail(err)
		u.attempted(err)
		return Result{}, err
	}
	u.setState(Deciding)
	e, t, ok := doc.Resolve(u.cfg.FirmwareType)
	if !ok {
		err := fmt.Errorf("%w: manifest has no usable %q entry", api.ErrParse, u.cfg.FirmwareType)
		u.recordCheck(nil, err)
		u.fail(err)
		u.attempted(err)
		return Result{}, err
	}
	offer := &Offer{Version: e.Version.Version(), Target: t}
	u.recordCheck(offer, nil)
	klog.Infof("Forcing update to %s from %s", offer.Version, offer.Target)
	return u.install(ctx, offer.Target, offer.Version, validate)
}

// ForceUpdateURL installs the image at rawURL without consulting the
// manifest.
func (u *Updater) ForceUpdateURL(ctx context.Context, rawURL string, validate bool) (Result, error) {
	t, err := manifest.ParseURL(rawURL)
	if err != nil {
		u.fail(err)
		u.attempted(err)
		return Result{}, err
	}
	return u.install(ctx, t, version.Zero, validate)
}

// ForceUpdateTarget installs the image at host:port/path over TLS without
// consulting the manifest.
func (u *Updater) ForceUpdateTarget(ctx context.Context, host string, port int, path string, validate bool) (Result, error) {
	t, err := manifest.NewTarget(host, port, path)
	if err != nil {
		u.fail(err)
		u.attempted(err)
		return Result{}, err
	}
	return u.install(ctx, t, version.Zero, validate)
}

// Status reports the updater and partition state.
func (u *Updater) Status() api.Status {
	rec := u.table.Record()
	s := api.Status{
		FirmwareType:     u.cfg.FirmwareType,
		Version:          u.cfg.CurrentVersion.String(),
		RunningSlot:      u.table.Running(),
		BootSlot:         rec.Slot,
		CommittedVersion: rec.Version,
		BootSequence:     rec.Seq,
	}
	if u.cfg.UseDeviceID {
		if id, err := u.dev.ID(); err == nil {
			s.DeviceID = id
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	s.State = u.state.String()
	s.LastCheck = u.last.At
	if u.last.Offer != nil {
		s.PayloadVersion = u.last.Offer.Version.String()
	}
	if (u.state == Failed || u.state == Rebooting) && u.lastErr != nil {
		s.LastError = u.lastErr.Error()
	}
	return s
}

// response is an open HTTP-style response.
type response struct {
	conn   transport.Conn
	idle   *transport.IdleReader
	body   *bufio.Reader
	header framing.Header
	stop   func() bool
}

func (r *response) Close() {
	r.stop()
	if err := r.conn.Close(); err != nil {
		klog.V(1).Infof("Closing connection: %v", err)
	}
}

// request opens a connection to t, sends a GET and parses the response
// headers. Error statuses are refused before any of the body is read.
func (u *Updater) request(ctx context.Context, t manifest.Target) (*response, error) {
	klog.Infof("Fetching %s", t)
	c, err := u.dialer.Dial(ctx, t.Host, t.Port, t.Secure)
	if err != nil {
		return nil, err
	}
	r := &response{conn: c, stop: transport.CloseOnCancel(ctx, c)}
	if err := transport.Get(c, t.Host, t.Path); err != nil {
		r.Close()
		return nil, err
	}

	var deadline time.Time
	if u.cfg.ResponseTimeout > 0 {
		deadline = time.Now().Add(u.cfg.ResponseTimeout)
	}
	r.idle = transport.NewIdleReader(c, u.cfg.IdleTimeout, deadline)
	r.body = bufio.NewReader(r.idle)
	if r.header, err = framing.ParseHeaders(r.body); err != nil {
		r.Close()
		return nil, ctxErr(ctx, err)
	}
	if r.header.StatusCode >= 400 {
		r.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", api.ErrTransport, t, r.header.StatusCode)
	}
	return r, nil
}

// fetchManifest downloads, authenticates and decodes the manifest.
func (u *Updater) fetchManifest(ctx context.Context) (manifest.Document, error) {
	t, err := manifest.ParseURL(u.cfg.CheckURL)
	if err != nil {
		return nil, err
	}
	if u.cfg.UseDeviceID {
		id, err := u.dev.ID()
		if err != nil {
			return nil, fmt.Errorf("failed to get device ID: %v", err)
		}
		t = t.WithQuery("id", id)
	}

	r, err := u.request(ctx, t)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var body io.Reader = io.LimitReader(r.body, maxManifestBytes+1)
	if r.header.ContentLength >= 0 {
		if r.header.ContentLength > maxManifestBytes {
			return nil, fmt.Errorf("%w: manifest of %d bytes exceeds %d", api.ErrParse, r.header.ContentLength, maxManifestBytes)
		}
		body = io.LimitReader(r.body, r.header.ContentLength)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	if len(b) > maxManifestBytes {
		return nil, fmt.Errorf("%w: manifest exceeds %d bytes", api.ErrParse, maxManifestBytes)
	}
	klog.V(1).Infof("Manifest: %s", b)

	if u.cfg.ManifestVerifiers != nil {
		if b, err = manifest.OpenSigned(b, u.cfg.ManifestVerifiers); err != nil {
			return nil, err
		}
	}
	return manifest.Decode(b)
}

// ctxErr prefers the context's error when the context has ended, since a
// cancelled context closes the connection under a pending read.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", context.Cause(ctx), err)
	}
	return err
}
