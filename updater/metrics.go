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
	"github.com/prometheus/client_golang/prometheus"
)

// Update attempt outcomes, used as the result label.
const (
	resultUpdated           = "updated"
	resultNoUpdate          = "no_update"
	resultSignatureMismatch = "signature_mismatch"
	resultFailed            = "failed"
)

type metrics struct {
	checks   prometheus.Counter
	attempts *prometheus.CounterVec
	bytes    prometheus.Counter
	state    prometheus.Gauge
}

// newMetrics creates the updater metrics, registering them with reg if it is
// not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		checks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fota_update_checks_total",
			Help: "Number of times the manifest was fetched.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fota_update_attempts_total",
			Help: "Number of update attempts, by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fota_bytes_written_total",
			Help: "Number of image bytes written to the update slot.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fota_state",
			Help: "Current updater state: 0 idle, 1 checking, 2 deciding, 3 transferring, 4 verifying, 5 committing, 6 rebooting, 7 failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.attempts, m.bytes, m.state)
	}
	return m
}
