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

// fotad is the firmware update daemon. It periodically checks the manifest
// for a newer image and installs it, and serves metrics and status on an
// admin port.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/config"
	"github.com/transparency-dev/armored-fota/internal/setup"
	"github.com/transparency-dev/armored-fota/transport"
	"github.com/transparency-dev/armored-fota/updater"
	"k8s.io/klog/v2"

	_ "golang.org/x/crypto/x509roots/fallback"
)

var (
	Revision string
	Version  string
)

var (
	configFile = flag.String("config", "/etc/fota/fota.yaml", "Path to the configuration file.")
	adminAddr  = flag.String("admin_addr", "", "Admin listen address, overrides the configuration file.")
	checkNow   = flag.Bool("check_on_start", true, "Check for an update as soon as the daemon starts.")
)

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	klog.Infof("fotad %s (%s)", Version, Revision)

	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load config: %v", err)
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	// The default gatherer only has some of the Go collectors, so replace it
	// with the one with expanded coverage.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/.*")})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := transport.NewClock()
	u, dev, err := setup.Updater(cfg, clock, prometheus.DefaultRegisterer)
	if err != nil {
		klog.Exitf("Failed to create updater: %v", err)
	}
	defer dev.Close()

	if server := cfg.Transport.NTPServer; server != "" {
		// Certificates can't be checked until we know what time it is.
		klog.Infof("Waiting for NTP time from %s...", server)
		select {
		case <-clock.Run(ctx, server):
			klog.Infof("Clock offset %v", clock.Offset())
		case <-ctx.Done():
			return
		}
	} else {
		klog.Info("NTP disabled.")
	}

	triggerUpdate := updateChecker(ctx, u, cfg.CheckInterval.Duration)
	if *checkNow {
		triggerUpdate <- struct{}{}
	}

	if err := serveAdmin(ctx, cfg.AdminAddr, u, triggerUpdate); err != nil {
		klog.Exitf("Admin server: %v", err)
	}
	klog.Info("Shutting down")
}

// serveAdmin serves the admin endpoints until ctx is done.
func serveAdmin(ctx context.Context, addr string, u *updater.Updater, trigger chan<- struct{}) error {
	listenCfg := &net.ListenConfig{}
	l, err := listenCfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	srvMux := http.NewServeMux()
	srvMux.Handle("/metrics", promhttp.Handler())
	srvMux.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "text/plain")
		select {
		case trigger <- struct{}{}:
			w.Write([]byte("ok, check the logs!"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("update check already pending"))
		}
	})
	srvMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s := status(u)
		if r.URL.Query().Get("format") == "json" {
			w.Header().Add("Content-Type", "application/json")
			w.Write(s.Bytes())
			return
		}
		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte(s.Print()))
	})
	srv := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      srvMux,
	}
	go func() {
		<-ctx.Done()
		klog.Infof("Closing admin port (%s)", addr)
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			klog.Errorf("Error closing admin port: %v", err)
		}
	}()
	klog.Infof("Serving admin endpoints on %s", l.Addr())
	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func status(u *updater.Updater) api.Status {
	s := u.Status()
	s.Revision = Revision
	s.Build = Version
	return s
}

// updateChecker runs an update attempt every interval, and whenever a value
// is sent on the returned channel.
func updateChecker(ctx context.Context, u *updater.Updater, i time.Duration) chan<- struct{} {
	trigger := make(chan struct{}, 1)

	go func(ctx context.Context) {
		t := time.NewTicker(i)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case trigger <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	go func(ctx context.Context) {
		for {
			select {
			case <-trigger:
				klog.V(1).Info("Checking for available updates")
				res, err := u.Update(ctx)
				if err != nil {
					klog.Errorf("Update: %v", err)
					continue
				}
				if res.Updated {
					klog.Infof("Installed %s (%d bytes)", res.Version, res.Written)
				}
			case <-ctx.Done():
				return
			}
		}
	}(ctx)

	return trigger
}
