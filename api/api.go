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

// Package api holds the definitions shared between the updater, its daemon
// and the control tool: the error taxonomy and the device status report.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status describes the firmware state of a device.
type Status struct {
	// FirmwareType is the manifest type this device accepts.
	FirmwareType string `json:"firmware_type"`
	// Version is the version of the running firmware.
	Version string `json:"version"`
	// Revision and Build identify the updater build.
	Revision string `json:"revision,omitempty"`
	Build    string `json:"build,omitempty"`
	// DeviceID is the identifier sent with device-scoped manifest checks.
	DeviceID string `json:"device_id,omitempty"`

	// RunningSlot is the slot the device booted from, BootSlot the one it
	// will boot from next.
	RunningSlot int `json:"running_slot"`
	BootSlot    int `json:"boot_slot"`
	// CommittedVersion is the version recorded by the last commit, if any.
	CommittedVersion string `json:"committed_version,omitempty"`
	// BootSequence is the boot record sequence number.
	BootSequence uint64 `json:"boot_sequence"`

	// State is the current updater state.
	State string `json:"state"`
	// LastCheck is when the manifest was last fetched.
	LastCheck time.Time `json:"last_check,omitempty"`
	// PayloadVersion is the version offered by the last check, if any.
	PayloadVersion string `json:"payload_version,omitempty"`
	// LastError is the outcome of the last failed attempt.
	LastError string `json:"last_error,omitempty"`
}

// Bytes serializes a status report.
func (s *Status) Bytes() (buf []byte) {
	buf, _ = json.Marshal(s)
	return
}

// Print returns the device status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	lastCheck := "never"
	if !s.LastCheck.IsZero() {
		lastCheck = s.LastCheck.UTC().Format(time.RFC3339)
	}

	status.WriteString("-------------------------------------------------------------- FOTA ----\n")
	status.WriteString(fmt.Sprintf("Firmware type ..........: %s\n", s.FirmwareType))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", s.Version))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", s.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", s.Build))
	status.WriteString(fmt.Sprintf("Device ID ..............: %s\n", s.DeviceID))
	status.WriteString(fmt.Sprintf("Running slot ...........: %d\n", s.RunningSlot))
	status.WriteString(fmt.Sprintf("Boot slot ..............: %d (seq %d)\n", s.BootSlot, s.BootSequence))
	status.WriteString(fmt.Sprintf("Committed version ......: %s\n", s.CommittedVersion))
	status.WriteString(fmt.Sprintf("State ..................: %s\n", s.State))
	status.WriteString(fmt.Sprintf("Last check .............: %s\n", lastCheck))
	status.WriteString(fmt.Sprintf("Payload version ........: %s", s.PayloadVersion))
	if s.LastError != "" {
		status.WriteString(fmt.Sprintf("\nLast error .............: %s", s.LastError))
	}

	return status.String()
}
