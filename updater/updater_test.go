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

package updater

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/manifest"
	"github.com/transparency-dev/armored-fota/partition"
	"github.com/transparency-dev/armored-fota/partition/testonly"
	"github.com/transparency-dev/armored-fota/transport"
	"github.com/transparency-dev/armored-fota/verify"
	"github.com/transparency-dev/armored-fota/version"
	"golang.org/x/mod/sumdb/note"
)

const (
	fwType      = "esp32-fota-http"
	manifestURL = "https://manifest.example.com/fota.json"
	fwHost      = "fw.example.com"
)

var testGeo = partition.Geometry{
	Start:       0,
	Length:      2 + 16 + 16,
	SlotLengths: []uint{16, 16},
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		testKey = k
	})
	return testKey
}

func testVerifier(t *testing.T) *verify.Verifier {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&signingKey(t).PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	v, err := verify.NewVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) + 7
	}
	return b
}

// signed returns img prefixed with its signature block.
func signed(t *testing.T, img []byte) []byte {
	t.Helper()
	sig, err := verify.Sign(signingKey(t), bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return append(sig, img...)
}

// handler serves one request on a fake connection.
type handler func(c net.Conn)

// respond returns a handler writing an HTTP response. A negative length
// omits the Content-Length header.
func respond(status int, contentType string, length int, body []byte) handler {
	return func(c net.Conn) {
		fmt.Fprintf(c, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
		if contentType != "" {
			fmt.Fprintf(c, "Content-Type: %s\r\n", contentType)
		}
		if length >= 0 {
			fmt.Fprintf(c, "Content-Length: %d\r\n", length)
		}
		io.WriteString(c, "\r\n")
		if len(body) > 0 {
			c.Write(body)
		}
	}
}

func octets(body []byte) handler {
	return respond(http.StatusOK, "application/octet-stream", len(body), body)
}

func jsonDoc(doc string) handler {
	return respond(http.StatusOK, "application/json", len(doc), []byte(doc))
}

// stall sends the headers and part of the body, then goes silent until the
// client hangs up.
func stall(length int, partial []byte) handler {
	return func(c net.Conn) {
		respond(http.StatusOK, "application/octet-stream", length, partial)(c)
		io.Copy(io.Discard, c)
	}
}

// sequence serves each handler in turn, repeating the last one.
func sequence(hs ...handler) handler {
	var mu sync.Mutex
	n := 0
	return func(c net.Conn) {
		mu.Lock()
		h := hs[min(n, len(hs)-1)]
		n++
		mu.Unlock()
		h(c)
	}
}

// fakeDialer routes connections to per-host handlers over in-memory pipes.
type fakeDialer struct {
	mu       sync.Mutex
	handlers map[string]handler
	requests []string
}

func (f *fakeDialer) Dial(_ context.Context, host string, port int, secure bool) (transport.Conn, error) {
	f.mu.Lock()
	h, ok := f.handlers[host]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no route to %s", api.ErrTransport, host)
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		f.mu.Lock()
		scheme := "http"
		if secure {
			scheme = "https"
		}
		f.requests = append(f.requests, fmt.Sprintf("%s://%s:%d%s", scheme, req.Host, port, req.URL.RequestURI()))
		f.mu.Unlock()
		h(server)
	}()
	return client, nil
}

func (f *fakeDialer) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type fakeDevice struct {
	id         string
	restarts   int
	restartErr error
}

func (d *fakeDevice) ID() (string, error) { return d.id, nil }
func (d *fakeDevice) Restart() error {
	d.restarts++
	return d.restartErr
}

type fixture struct {
	u      *Updater
	dialer *fakeDialer
	dev    *fakeDevice
	md     *testonly.MemDev
	table  *partition.Table
}

func newFixture(t *testing.T, cfg Config, handlers map[string]handler) *fixture {
	t.Helper()
	md := testonly.NewMemDev(t, 64)
	table, err := partition.OpenTable(md, testGeo)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	f := &fixture{
		dialer: &fakeDialer{handlers: handlers},
		dev:    &fakeDevice{id: "dev-1"},
		md:     md,
		table:  table,
	}
	if cfg.FirmwareType == "" {
		cfg.FirmwareType = fwType
	}
	if cfg.CheckURL == "" {
		cfg.CheckURL = manifestURL
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	f.u, err = New(cfg, f.dialer, table, f.dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// slotBytes returns the first n bytes of the given slot.
func (f *fixture) slotBytes(slot, n int) []byte {
	lba := testGeo.Start + 2
	for i := 0; i < slot; i++ {
		lba += testGeo.SlotLengths[i]
	}
	return f.md.Bytes(lba, n)
}

func entry(ver, url string) string {
	return fmt.Sprintf(`{"type": %q, "version": %q, "url": %q}`, fwType, ver, url)
}

func TestUpdateCommitsSignedImage(t *testing.T) {
	img := image(1536)
	body := signed(t, img)
	if got, want := len(body), 2048; got != want {
		t.Fatalf("signed image is %d bytes, want %d", got, want)
	}

	f := newFixture(t, Config{
		CurrentVersion: version.MustParse("1.0.0"),
		SigningEnabled: true,
		Verifier:       testVerifier(t),
		LogProgress:    true,
	}, map[string]handler{
		"manifest.example.com": jsonDoc(`[` + entry("1.1.0", "https://fw.example.com/fw.bin") + `]`),
		fwHost:                 octets(body),
	})

	res, err := f.u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := Result{
		Updated: true,
		Version: version.MustParse("1.1.0"),
		Target:  manifest.Target{Host: fwHost, Port: 443, Path: "/fw.bin", Secure: true},
		Written: 1536,
	}
	if diff := cmp.Diff(want, res, cmp.Comparer(version.Version.Equal)); diff != "" {
		t.Errorf("Update() diff (-want +got):\n%s", diff)
	}
	if got, want := f.table.Boot(), 1; got != want {
		t.Errorf("Boot() = %d, want %d", got, want)
	}
	if got, want := f.table.Record().Version, "1.1.0"; got != want {
		t.Errorf("committed version = %q, want %q", got, want)
	}
	if !bytes.Equal(f.slotBytes(1, len(img)), img) {
		t.Error("slot does not hold the image")
	}
	if f.dev.restarts != 1 {
		t.Errorf("device restarted %d times, want 1", f.dev.restarts)
	}
	if got, want := f.u.State(), Rebooting; got != want {
		t.Errorf("State() = %s, want %s", got, want)
	}
}

func TestUpdateUnsigned(t *testing.T) {
	img := image(3000)
	f := newFixture(t, Config{CurrentVersion: version.FromInt(1)}, map[string]handler{
		"manifest.example.com": jsonDoc(fmt.Sprintf(`{"type": %q, "version": 2, "host": %q, "port": 8443, "bin": "/fw.bin"}`, fwType, fwHost)),
		fwHost:                 respond(http.StatusOK, "", len(img), img),
	})

	res, err := f.u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Updated || res.Written != int64(len(img)) {
		t.Fatalf("Update() = %+v, want %d bytes installed", res, len(img))
	}
	if !bytes.Equal(f.slotBytes(1, len(img)), img) {
		t.Error("slot does not hold the image")
	}
	if diff := cmp.Diff([]string{manifestURL, "https://fw.example.com:8443/fw.bin"}, stripPorts(f.dialer.Requests())); diff != "" {
		t.Errorf("requests diff (-want +got):\n%s", diff)
	}
}

// stripPorts drops default ports from request URLs.
func stripPorts(reqs []string) []string {
	r := make([]string, len(reqs))
	for i, s := range reqs {
		r[i] = strings.Replace(s, ".com:443/", ".com/", 1)
	}
	return r
}

func TestUpdateNoUpdate(t *testing.T) {
	for _, test := range []struct {
		name    string
		doc     string
		current string
	}{
		{
			name:    "same version",
			doc:     entry("1.0.0", "https://fw.example.com/fw.bin"),
			current: "1.0.0",
		}, {
			name:    "older version",
			doc:     entry("0.9.0", "https://fw.example.com/fw.bin"),
			current: "1.0.0",
		}, {
			name:    "other firmware type",
			doc:     `{"type": "other", "version": "9.0.0", "url": "https://fw.example.com/fw.bin"}`,
			current: "1.0.0",
		}, {
			name:    "prerelease of current",
			doc:     entry("1.0.0-rc.1", "https://fw.example.com/fw.bin"),
			current: "1.0.0",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, Config{CurrentVersion: version.MustParse(test.current)}, map[string]handler{
				"manifest.example.com": jsonDoc(test.doc),
			})
			res, err := f.u.Update(context.Background())
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if res.Updated {
				t.Fatal("Update() installed an image")
			}
			if got, want := f.u.State(), Idle; got != want {
				t.Errorf("State() = %s, want %s", got, want)
			}
			if got := len(f.dialer.Requests()); got != 1 {
				t.Errorf("made %d requests, want only the manifest", got)
			}
			if f.dev.restarts != 0 {
				t.Error("device restarted")
			}
			if c := f.u.LastCheck(); c.At.IsZero() || c.Offer != nil || c.Err != nil {
				t.Errorf("LastCheck() = %+v, want a check with no offer", c)
			}
		})
	}
}

func TestUpdateFirstMatchWins(t *testing.T) {
	img := image(100)
	f := newFixture(t, Config{CurrentVersion: version.MustParse("0.9.0")}, map[string]handler{
		"manifest.example.com": jsonDoc(`[` + entry("1.0.0", "https://fw.example.com/one.bin") + `,` + entry("2.0.0", "https://fw.example.com/two.bin") + `]`),
		fwHost:                 octets(img),
	})
	res, err := f.u.Update(context.Background())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, want := res.Version.String(), "1.0.0"; got != want {
		t.Errorf("installed %s, want %s", got, want)
	}
	if got, want := res.Target.Path, "/one.bin"; got != want {
		t.Errorf("fetched %s, want %s", got, want)
	}
}

func TestUpdateFailures(t *testing.T) {
	img := image(1536)
	body := signed(t, img)

	for _, test := range []struct {
		name    string
		fw      handler
		signing bool
		idle    time.Duration
		wantErr error
		check   func(t *testing.T, err error)
	}{
		{
			name:    "short body",
			fw:      respond(http.StatusOK, "application/octet-stream", len(body), body[:512+1000]),
			signing: true,
			wantErr: &api.ShortWriteError{},
			check: func(t *testing.T, err error) {
				var swe *api.ShortWriteError
				if !errors.As(err, &swe) {
					t.Fatalf("got %v, want ShortWriteError", err)
				}
				if diff := cmp.Diff(&api.ShortWriteError{Written: 1000, Expected: 1536}, swe); diff != "" {
					t.Errorf("ShortWriteError diff (-want +got):\n%s", diff)
				}
			},
		}, {
			name:    "truncated signature",
			fw:      respond(http.StatusOK, "application/octet-stream", len(body), body[:100]),
			signing: true,
			wantErr: &api.ShortWriteError{},
		}, {
			name:    "shorter than signature",
			fw:      octets(body[:100]),
			signing: true,
			wantErr: &api.ShortWriteError{},
		}, {
			name:    "missing length",
			fw:      respond(http.StatusOK, "application/octet-stream", -1, body),
			signing: true,
			wantErr: api.ErrMissingLength,
		}, {
			name:    "stalled",
			fw:      stall(len(img), img[:700]),
			idle:    100 * time.Millisecond,
			wantErr: api.ErrTimeout,
		}, {
			name:    "too large",
			fw:      respond(http.StatusOK, "application/octet-stream", 1<<20, nil),
			wantErr: api.ErrInsufficientSpace,
		}, {
			name:    "not found",
			fw:      respond(http.StatusNotFound, "text/plain", 0, nil),
			wantErr: api.ErrTransport,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := Config{
				CurrentVersion: version.MustParse("1.0.0"),
				IdleTimeout:    test.idle,
			}
			if test.signing {
				cfg.SigningEnabled = true
				cfg.Verifier = testVerifier(t)
			}
			f := newFixture(t, cfg, map[string]handler{
				"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
				fwHost:                 test.fw,
			})

			_, err := f.u.Update(context.Background())
			if err == nil {
				t.Fatal("Update() succeeded")
			}
			if swe, ok := test.wantErr.(*api.ShortWriteError); ok {
				if !errors.As(err, &swe) {
					t.Fatalf("Update() = %v, want ShortWriteError", err)
				}
			} else if !errors.Is(err, test.wantErr) {
				t.Fatalf("Update() = %v, want %v", err, test.wantErr)
			}
			if test.check != nil {
				test.check(t, err)
			}

			if got, want := f.u.State(), Failed; got != want {
				t.Errorf("State() = %s, want %s", got, want)
			}
			if got, want := f.table.Boot(), 0; got != want {
				t.Errorf("Boot() = %d, want %d", got, want)
			}
			if got := f.table.Record().Seq; got != 0 {
				t.Errorf("boot record written (seq %d)", got)
			}
			if f.dev.restarts != 0 {
				t.Error("device restarted")
			}
			// The partition handle was released.
			h, err := f.table.Begin(1)
			if err != nil {
				t.Fatalf("Begin after failure: %v", err)
			}
			h.Abort()
		})
	}
}

func TestUpdateSignatureMismatch(t *testing.T) {
	img := image(1536)
	body := signed(t, img)
	body[17] ^= 0x40

	f := newFixture(t, Config{
		CurrentVersion: version.MustParse("1.0.0"),
		SigningEnabled: true,
		Verifier:       testVerifier(t),
	}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(body),
	})

	_, err := f.u.Update(context.Background())
	if !errors.Is(err, api.ErrSignatureMismatch) {
		t.Fatalf("Update() = %v, want ErrSignatureMismatch", err)
	}
	got := f.slotBytes(1, len(img))
	if !bytes.Equal(got[:testonly.MemBlockSize], make([]byte, testonly.MemBlockSize)) {
		t.Error("slot was not invalidated")
	}
	if got, want := f.table.Boot(), f.table.Running(); got != want {
		t.Errorf("Boot() = %d, want running slot %d", got, want)
	}
	if f.dev.restarts != 0 {
		t.Error("device restarted after signature mismatch")
	}
	if got, want := f.u.State(), Failed; got != want {
		t.Errorf("State() = %s, want %s", got, want)
	}
	if s := f.u.Status(); s.LastError == "" {
		t.Error("Status() has no LastError")
	}
}

func TestSignatureMismatchInvalidateFails(t *testing.T) {
	img := image(1536)
	body := signed(t, img)
	body[17] ^= 0x40

	f := newFixture(t, Config{
		CurrentVersion: version.MustParse("1.0.0"),
		SigningEnabled: true,
		Verifier:       testVerifier(t),
	}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(body),
	})
	// Let the image through, then fail the write which would invalidate it.
	first := testGeo.Start + 2 + testGeo.SlotLengths[0]
	writes := 0
	f.md.FailWrite = func(lba uint) error {
		if lba != first {
			return nil
		}
		if writes++; writes > 1 {
			return errors.New("flash worn out")
		}
		return nil
	}

	_, err := f.u.Update(context.Background())
	if !errors.Is(err, api.ErrSignatureMismatch) {
		t.Fatalf("Update() = %v, want ErrSignatureMismatch", err)
	}
	if !strings.Contains(err.Error(), "flash worn out") {
		t.Errorf("Update() = %v, want the invalidation failure reported", err)
	}
	if got, want := f.table.Boot(), f.table.Running(); got != want {
		t.Errorf("Boot() = %d, want running slot %d", got, want)
	}
}

func TestRestartFailureAfterCommit(t *testing.T) {
	reg := prometheus.NewRegistry()
	img := image(1000)
	f := newFixture(t, Config{CurrentVersion: version.MustParse("1.0.0"), Registerer: reg}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(img),
	})
	f.dev.restartErr = errors.New("reboot: permission denied")

	res, err := f.u.Update(context.Background())
	if err == nil {
		t.Fatal("Update() succeeded with a failing restart")
	}
	if !res.Updated {
		t.Error("Result.Updated not set for a committed image")
	}
	if got, want := f.table.Boot(), 1; got != want {
		t.Errorf("Boot() = %d, want %d", got, want)
	}
	if got, want := f.u.State(), Rebooting; got != want {
		t.Errorf("State() = %s, want %s", got, want)
	}
	if s := f.u.Status(); s.LastError == "" {
		t.Error("Status() has no LastError")
	}
	if got := testutil.ToFloat64(f.u.metrics.attempts.WithLabelValues(resultUpdated)); got != 1 {
		t.Errorf("updated attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.u.metrics.attempts.WithLabelValues(resultFailed)); got != 0 {
		t.Errorf("failed attempts = %v, want 0", got)
	}
}

func TestRetryBeforeRebootDeselectsCommittedSlot(t *testing.T) {
	img := image(4096)
	f := newFixture(t, Config{
		CurrentVersion: version.MustParse("1.0.0"),
		IdleTimeout:    100 * time.Millisecond,
	}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
		fwHost:                 sequence(octets(img), stall(len(img), img[:3000])),
	})
	// The first restart does not happen, so the next check runs on the old
	// firmware.
	f.dev.restartErr = errors.New("reboot: permission denied")

	if res, _ := f.u.Update(context.Background()); !res.Updated {
		t.Fatal("first Update() did not commit")
	}
	if got, want := f.table.Boot(), 1; got != want {
		t.Fatalf("Boot() = %d, want %d", got, want)
	}

	if _, err := f.u.Update(context.Background()); !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("second Update() = %v, want ErrTimeout", err)
	}
	if got, want := f.table.Boot(), 0; got != want {
		t.Errorf("Boot() = %d after abandoned retry, want running slot %d", got, want)
	}
	reopened, err := partition.OpenTable(f.md, testGeo)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if got, want := reopened.Running(), 0; got != want {
		t.Errorf("Running() after reboot = %d, want %d", got, want)
	}
}

func TestCommittedVersionAfterReboot(t *testing.T) {
	img := image(1000)
	handlers := map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.1.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(img),
	}
	f := newFixture(t, Config{CurrentVersion: version.MustParse("1.0.0")}, handlers)
	if _, err := f.u.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, test := range []struct {
		name       string
		configured string
		want       string
	}{
		{name: "stale configuration", configured: "1.0.0", want: "1.1.0"},
		{name: "newer configuration", configured: "1.2.0", want: "1.2.0"},
	} {
		t.Run(test.name, func(t *testing.T) {
			table, err := partition.OpenTable(f.md, testGeo)
			if err != nil {
				t.Fatalf("OpenTable: %v", err)
			}
			u, err := New(Config{
				FirmwareType:    fwType,
				CurrentVersion:  version.MustParse(test.configured),
				CheckURL:        manifestURL,
				ResponseTimeout: 5 * time.Second,
				IdleTimeout:     5 * time.Second,
			}, &fakeDialer{handlers: handlers}, table, &fakeDevice{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := u.Status().Version; got != test.want {
				t.Errorf("Status().Version = %q, want %q", got, test.want)
			}
			offer, err := u.Check(context.Background())
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if offer != nil {
				t.Errorf("Check() offered %s, which is already running", offer.Version)
			}
		})
	}
}

func TestForceUpdateBypassesVersion(t *testing.T) {
	img := image(800)
	body := signed(t, img)
	handlers := map[string]handler{
		"manifest.example.com": jsonDoc(entry("0.1.0", "https://fw.example.com/old.bin")),
		fwHost:                 octets(body),
	}
	cfg := Config{
		CurrentVersion: version.MustParse("3.0.0"),
		SigningEnabled: true,
		Verifier:       testVerifier(t),
	}

	t.Run("target", func(t *testing.T) {
		f := newFixture(t, cfg, handlers)
		res, err := f.u.ForceUpdateTarget(context.Background(), fwHost, 443, "/old.bin", true)
		if err != nil {
			t.Fatalf("ForceUpdateTarget: %v", err)
		}
		if !res.Updated || f.table.Boot() != 1 {
			t.Fatalf("ForceUpdateTarget() = %+v, boot slot %d", res, f.table.Boot())
		}
		if got := len(f.dialer.Requests()); got != 1 {
			t.Errorf("made %d requests, want 1 (no manifest)", got)
		}
	})

	t.Run("manifest", func(t *testing.T) {
		f := newFixture(t, cfg, handlers)
		if res, err := f.u.Update(context.Background()); err != nil || res.Updated {
			t.Fatalf("Update() = %+v, %v, want no update", res, err)
		}
		res, err := f.u.ForceUpdate(context.Background(), true)
		if err != nil {
			t.Fatalf("ForceUpdate: %v", err)
		}
		if got, want := res.Version.String(), "0.1.0"; got != want {
			t.Errorf("ForceUpdate() installed %s, want %s", got, want)
		}
		if got, want := f.u.LastCheck().Offer.Version.String(), "0.1.0"; got != want {
			t.Errorf("LastCheck() payload version %s, want %s", got, want)
		}
	})

	t.Run("url without validation", func(t *testing.T) {
		f := newFixture(t, cfg, map[string]handler{fwHost: octets(img)})
		res, err := f.u.ForceUpdateURL(context.Background(), "http://fw.example.com/plain.bin", false)
		if err != nil {
			t.Fatalf("ForceUpdateURL: %v", err)
		}
		if res.Written != int64(len(img)) {
			t.Errorf("wrote %d bytes, want %d", res.Written, len(img))
		}
		if diff := cmp.Diff([]string{"http://fw.example.com:80/plain.bin"}, f.dialer.Requests()); diff != "" {
			t.Errorf("requests diff (-want +got):\n%s", diff)
		}
	})

	t.Run("malformed url", func(t *testing.T) {
		f := newFixture(t, cfg, handlers)
		if _, err := f.u.ForceUpdateURL(context.Background(), "https://fw.example.com", true); !errors.Is(err, api.ErrParse) {
			t.Fatalf("ForceUpdateURL() = %v, want ErrParse", err)
		}
	})
}

func TestForceUpdateNoEntry(t *testing.T) {
	f := newFixture(t, Config{CurrentVersion: version.Zero}, map[string]handler{
		"manifest.example.com": jsonDoc(`[{"type": "other", "version": "1.0.0", "url": "https://x/y"}]`),
	})
	if _, err := f.u.ForceUpdate(context.Background(), false); err == nil {
		t.Fatal("ForceUpdate() succeeded without a matching entry")
	}
}

func TestDeviceIDQuery(t *testing.T) {
	f := newFixture(t, Config{CurrentVersion: version.MustParse("1.0.0"), UseDeviceID: true}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.0.0", "https://fw.example.com/fw.bin")),
	})
	if _, err := f.u.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if diff := cmp.Diff([]string{"https://manifest.example.com:443/fota.json?id=dev-1"}, f.dialer.Requests()); diff != "" {
		t.Errorf("requests diff (-want +got):\n%s", diff)
	}
	if got, want := f.u.Status().DeviceID, "dev-1"; got != want {
		t.Errorf("Status().DeviceID = %q, want %q", got, want)
	}
}

func TestSignedManifest(t *testing.T) {
	skey, vkey, err := note.GenerateKey(rand.Reader, "manifest.example.com")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifiers, err := manifest.NewVerifiers(vkey)
	if err != nil {
		t.Fatalf("NewVerifiers: %v", err)
	}
	doc := entry("2.0.0", "https://fw.example.com/fw.bin") + "\n"
	msg, err := note.Sign(&note.Note{Text: doc}, signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cfg := Config{CurrentVersion: version.MustParse("1.0.0"), ManifestVerifiers: verifiers}
	f := newFixture(t, cfg, map[string]handler{"manifest.example.com": jsonDoc(string(msg))})
	offer, err := f.u.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if offer == nil || offer.Version.String() != "2.0.0" {
		t.Fatalf("Check() = %+v, want 2.0.0", offer)
	}

	f = newFixture(t, cfg, map[string]handler{"manifest.example.com": jsonDoc(doc)})
	if _, err := f.u.Check(context.Background()); !errors.Is(err, api.ErrParse) {
		t.Fatalf("Check() of unsigned manifest = %v, want ErrParse", err)
	}
	if got, want := f.u.State(), Failed; got != want {
		t.Errorf("State() = %s, want %s", got, want)
	}
}

func TestManifestErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		h       handler
		wantErr error
	}{
		{name: "malformed", h: jsonDoc(`{"type": `), wantErr: api.ErrParse},
		{name: "server error", h: respond(http.StatusInternalServerError, "", 0, nil), wantErr: api.ErrTransport},
		{name: "silent", h: stall(10, nil), wantErr: api.ErrTimeout},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t, Config{CurrentVersion: version.Zero, IdleTimeout: 100 * time.Millisecond}, map[string]handler{
				"manifest.example.com": test.h,
			})
			if _, err := f.u.Update(context.Background()); !errors.Is(err, test.wantErr) {
				t.Fatalf("Update() = %v, want %v", err, test.wantErr)
			}
			if c := f.u.LastCheck(); c.Err == nil {
				t.Error("LastCheck() recorded no error")
			}
		})
	}
}

func TestCancel(t *testing.T) {
	img := image(1536)
	f := newFixture(t, Config{CurrentVersion: version.Zero}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.0.0", "https://fw.example.com/fw.bin")),
		fwHost:                 stall(len(img), img[:100]),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := f.u.Update(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update() = %v, want DeadlineExceeded", err)
	}
}

func TestNew(t *testing.T) {
	md := testonly.NewMemDev(t, 64)
	table, err := partition.OpenTable(md, testGeo)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	for _, test := range []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "ok", cfg: Config{FirmwareType: fwType}},
		{name: "signing with key", cfg: Config{FirmwareType: fwType, SigningEnabled: true, Verifier: testVerifier(t)}},
		{name: "signing without key", cfg: Config{FirmwareType: fwType, SigningEnabled: true}, wantErr: true},
		{name: "no firmware type", cfg: Config{}, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.cfg, &fakeDialer{}, table, &fakeDevice{})
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("New() = %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr && !errors.Is(err, api.ErrConfiguration) {
				t.Fatalf("New() = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	img := image(1000)
	f := newFixture(t, Config{CurrentVersion: version.Zero, Registerer: reg}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.0.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(img),
	})
	if _, err := f.u.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				got[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[name] = m.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{
		"fota_update_checks_total":           1,
		"fota_update_attempts_total/updated": 1,
		"fota_bytes_written_total":           1000,
		"fota_state":                         float64(Rebooting),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics diff (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	img := image(512)
	f := newFixture(t, Config{CurrentVersion: version.MustParse("1.0.0")}, map[string]handler{
		"manifest.example.com": jsonDoc(entry("1.2.0", "https://fw.example.com/fw.bin")),
		fwHost:                 octets(img),
	})
	if _, err := f.u.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s := f.u.Status()
	s.LastCheck = time.Time{}
	want := api.Status{
		FirmwareType:     fwType,
		Version:          "1.0.0",
		RunningSlot:      0,
		BootSlot:         1,
		CommittedVersion: "1.2.0",
		BootSequence:     1,
		State:            "rebooting",
		PayloadVersion:   "1.2.0",
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Status() diff (-want +got):\n%s", diff)
	}
}
