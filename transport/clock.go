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

package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/klog/v2"
)

// Clock is the local wall clock corrected by the offset last measured
// against an NTP server. Devices often boot with no idea of the time, which
// would fail every certificate validity check.
type Clock struct {
	offset atomic.Int64
	query  func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// NewClock returns a clock with no correction applied.
func NewClock() *Clock {
	return &Clock{query: ntp.QueryWithOptions}
}

// Now returns the corrected time.
func (c *Clock) Now() time.Time {
	return time.Now().Add(c.Offset())
}

// Offset returns the correction applied to the local clock.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Sync measures the local clock against server.
func (c *Clock) Sync(server string, timeout time.Duration) error {
	r, err := c.query(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("failed to get NTP time: %v", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("got invalid time from NTP server: %v", err)
	}
	c.offset.Store(int64(r.ClockOffset))
	klog.V(1).Infof("NTP offset from %s: %v", server, r.ClockOffset)
	return nil
}

// Run keeps the clock in sync with server until ctx is done. The returned
// channel is closed once the first measurement succeeds.
func (c *Clock) Run(ctx context.Context, server string) <-chan struct{} {
	synced := make(chan struct{})

	go func() {
		// Check in frequently until we have a time, then much less often.
		i := time.Duration(0)
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(i):
			}

			if err := c.Sync(server, 10*time.Second); err != nil {
				klog.Errorf("NTP %s: %v", server, err)
				i = 10 * time.Second
				continue
			}
			i = time.Hour
			if first {
				first = false
				close(synced)
			}
		}
	}()

	return synced
}
