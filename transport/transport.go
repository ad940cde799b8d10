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

// Package transport provides the byte streams the updater downloads over.
//
// The updater only needs an ordered, reliable stream with read deadlines, so
// connections are modelled as a narrow interface which a cellular modem
// driver, a TCP/TLS socket or a test fake can all satisfy.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/transparency-dev/armored-fota/api"
	"go.mercari.io/go-dnscache"
	"k8s.io/klog/v2"
)

// Conn is a bidirectional byte stream with read deadlines.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens connections to payload and manifest servers.
type Dialer interface {
	// Dial connects to host:port, negotiating TLS when secure is set.
	Dial(ctx context.Context, host string, port int, secure bool) (Conn, error)
}

// NetDialer dials TCP connections, optionally wrapped in TLS.
type NetDialer struct {
	// Timeout bounds connection establishment, including the TLS handshake.
	Timeout time.Duration
	// RootCAs verifies server certificates, nil for the system pool.
	RootCAs *x509.CertPool
	// Insecure disables server certificate verification.
	Insecure bool
	// Resolver, if set, caches DNS lookups between dials.
	Resolver *dnscache.Resolver
	// Time, if set, is the clock certificates are checked against.
	Time func() time.Time
}

// NewNetDialer returns a dialer trusting the PEM certificates in caPEM, or the
// system roots when caPEM is empty.
func NewNetDialer(caPEM []byte, insecure bool, timeout time.Duration) (*NetDialer, error) {
	d := &NetDialer{Timeout: timeout, Insecure: insecure}
	if len(caPEM) > 0 {
		d.RootCAs = x509.NewCertPool()
		if !d.RootCAs.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates found in CA bundle", api.ErrConfiguration)
		}
	}
	if insecure {
		klog.Warning("TLS certificate verification is disabled")
	}
	return d, nil
}

// CacheDNS makes the dialer resolve names through a cache refreshed every
// freq.
func (d *NetDialer) CacheDNS(freq, lookupTimeout time.Duration) error {
	r, err := dnscache.New(freq, lookupTimeout)
	if err != nil {
		return fmt.Errorf("failed to create DNS cache: %v", err)
	}
	d.Resolver = r
	return nil
}

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, host string, port int, secure bool) (Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	dial := (&net.Dialer{}).DialContext
	if d.Resolver != nil {
		dial = dnscache.DialFunc(d.Resolver, dial)
	}
	klog.V(1).Infof("Dialing %s (tls: %t)", addr, secure)
	c, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", api.ErrTransport, addr, err)
	}
	if !secure {
		return c, nil
	}

	tc := tls.Client(c, &tls.Config{
		ServerName:         host,
		RootCAs:            d.RootCAs,
		InsecureSkipVerify: d.Insecure,
		MinVersion:         tls.VersionTLS12,
		Time:               d.Time,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: TLS handshake with %s: %v", api.ErrTransport, addr, err)
	}
	return tc, nil
}

// Get sends a minimal HTTP/1.1 GET request for path on c.
func Get(c io.Writer, host string, path string) error {
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: armored-fota\r\nConnection: close\r\n\r\n", path, host)
	klog.V(2).Infof("> GET %s HTTP/1.1 (Host: %s)", path, host)
	if _, err := io.WriteString(c, req); err != nil {
		return fmt.Errorf("%w: sending request: %v", api.ErrTransport, err)
	}
	return nil
}

// IdleReader reads from a Conn, failing with ErrTimeout when no data arrives
// within the idle timeout or the overall deadline passes.
type IdleReader struct {
	c        Conn
	idle     time.Duration
	deadline time.Time
}

// NewIdleReader returns a reader which applies min(now+idle, deadline) as
// the read deadline before every read. A zero deadline means no overall
// limit, a non-positive idle no idle limit.
func NewIdleReader(c Conn, idle time.Duration, deadline time.Time) *IdleReader {
	return &IdleReader{c: c, idle: idle, deadline: deadline}
}

// SetDeadline replaces the overall deadline, e.g. to lift the response
// deadline once the body starts streaming.
func (r *IdleReader) SetDeadline(deadline time.Time) {
	r.deadline = deadline
}

func (r *IdleReader) Read(p []byte) (int, error) {
	d := r.deadline
	if r.idle > 0 {
		if i := time.Now().Add(r.idle); d.IsZero() || i.Before(d) {
			d = i
		}
	}
	if err := r.c.SetReadDeadline(d); err != nil {
		return 0, fmt.Errorf("%w: setting deadline: %v", api.ErrTransport, err)
	}
	n, err := r.c.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return n, fmt.Errorf("%w: no data for %v", api.ErrTimeout, r.idle)
	}
	return n, fmt.Errorf("%w: %v", api.ErrTransport, err)
}

// CloseOnCancel closes c when ctx is done, unblocking any pending read. The
// returned function stops the watch.
func CloseOnCancel(ctx context.Context, c io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		klog.V(1).Infof("Closing connection: %v", context.Cause(ctx))
		c.Close()
	})
}
