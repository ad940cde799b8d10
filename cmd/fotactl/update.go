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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/config"
	"github.com/transparency-dev/armored-fota/internal/setup"
	"github.com/transparency-dev/armored-fota/updater"
)

var (
	forceURL      string
	forceHost     string
	forcePort     int
	forcePath     string
	forceValidate bool
	forceSkipSignature bool

	statusRemote string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the manifest for an update without installing it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withUpdater(func(u *updater.Updater, _ *config.Config) error {
			offer, err := u.Check(cmd.Context())
			if err != nil {
				return err
			}
			if offer == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Up to date.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Update available: %s from %s\n", offer.Version, offer.Target)
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install an update if the manifest offers one",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withUpdater(func(u *updater.Updater, _ *config.Config) error {
			res, err := u.Update(cmd.Context())
			printResult(cmd.OutOrStdout(), res)
			return err
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force",
	Short: "Install an image whatever its version",
	Long: `Install an image whatever its version.

With no flags the first manifest entry for this firmware type is installed.
--url or --host/--path install from the given location without consulting
the manifest; --host locations are always fetched over TLS.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if forceURL != "" && forceHost != "" {
			return errors.New("--url and --host are mutually exclusive")
		}
		if forceHost != "" && forcePath == "" {
			return errors.New("--host requires --path")
		}
		return withUpdater(func(u *updater.Updater, cfg *config.Config) error {
			validate := requireSignature(cmd, cfg.Signing.Enabled)

			var res updater.Result
			var err error
			switch {
			case forceURL != "":
				res, err = u.ForceUpdateURL(cmd.Context(), forceURL, validate)
			case forceHost != "":
				res, err = u.ForceUpdateTarget(cmd.Context(), forceHost, forcePort, forcePath, validate)
			default:
				res, err = u.ForceUpdate(cmd.Context(), validate)
			}
			printResult(cmd.OutOrStdout(), res)
			return err
		})
	},
}

func addSignatureFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&forceValidate, "validate", false, "Require a valid signature block, defaults to the configured signing setting.")
	cmd.Flags().BoolVar(&forceSkipSignature, "skip-signature", false, "Install without checking the signature block.")
}

// requireSignature reports whether a forced update must carry a valid
// signature block, given the configured signing setting.
func requireSignature(cmd *cobra.Command, configured bool) bool {
	if forceSkipSignature {
		return false
	}
	if cmd.Flags().Changed("validate") {
		return forceValidate
	}
	return configured
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the firmware status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if statusRemote != "" {
			s, err := remoteStatus(statusRemote)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Print())
			return nil
		}
		return withUpdater(func(u *updater.Updater, _ *config.Config) error {
			s := u.Status()
			s.Revision, s.Build = Revision, Version
			fmt.Fprintln(cmd.OutOrStdout(), s.Print())
			return nil
		})
	},
}

func init() {
	forceCmd.Flags().StringVar(&forceURL, "url", "", "URL of the image to install.")
	forceCmd.Flags().StringVar(&forceHost, "host", "", "Host serving the image to install.")
	forceCmd.Flags().IntVar(&forcePort, "port", 443, "Port on --host.")
	forceCmd.Flags().StringVar(&forcePath, "path", "", "Path of the image on --host.")
	addSignatureFlags(forceCmd)

	statusCmd.Flags().StringVar(&statusRemote, "remote", "", "Admin address of a running fotad, e.g. http://localhost:8081.")

	rootCmd.AddCommand(checkCmd, updateCmd, forceCmd, statusCmd)
}

// withUpdater runs f with an updater built from the configuration file.
func withUpdater(f func(*updater.Updater, *config.Config) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	u, dev, err := setup.Updater(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer dev.Close()
	return f(u, cfg)
}

func printResult(w io.Writer, res updater.Result) {
	if !res.Updated {
		fmt.Fprintln(w, "No update installed.")
		return
	}
	fmt.Fprintf(w, "Installed %s from %s (%d bytes).\n", res.Version, res.Target, res.Written)
}

// remoteStatus fetches the status report from a running daemon.
func remoteStatus(base string) (api.Status, error) {
	var s api.Status
	c := &http.Client{Timeout: 10 * time.Second}
	resp, err := c.Get(strings.TrimSuffix(base, "/") + "/status?format=json")
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return s, fmt.Errorf("status: %s: %s", resp.Status, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return s, fmt.Errorf("failed to decode status: %v", err)
	}
	return s, nil
}
