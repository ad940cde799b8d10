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

// Package device provides the identity and restart hooks of the host the
// updater runs on.
package device

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// MachineIDPath is where the host identifier is read from by default.
const MachineIDPath = "/etc/machine-id"

// Host is a Linux host.
type Host struct {
	id      string
	idPath  string
	restart []string
}

// NewHost returns a host whose ID is id, or the contents of idPath when id
// is empty, and which restarts by running the restart command.
func NewHost(id, idPath string, restart []string) *Host {
	if idPath == "" {
		idPath = MachineIDPath
	}
	return &Host{id: id, idPath: idPath, restart: restart}
}

// ID returns the device identifier.
func (h *Host) ID() (string, error) {
	if h.id != "" {
		return h.id, nil
	}
	b, err := os.ReadFile(h.idPath)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(b))
	if id == "" {
		return "", fmt.Errorf("%s is empty", h.idPath)
	}
	return id, nil
}

// Restart runs the restart command. It returns once the command has
// exited, which for a successful reboot may be never.
func (h *Host) Restart() error {
	if len(h.restart) == 0 {
		return fmt.Errorf("%w: no restart command", api.ErrConfiguration)
	}
	klog.Infof("Restarting: %s", strings.Join(h.restart, " "))
	out, err := exec.Command(h.restart[0], h.restart[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %v (%s)", h.restart[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
