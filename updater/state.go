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

import "fmt"

// State is the phase of an update attempt.
type State int

const (
	Idle State = iota
	Checking
	Deciding
	Transferring
	Verifying
	Committing
	Rebooting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case Deciding:
		return "deciding"
	case Transferring:
		return "transferring"
	case Verifying:
		return "verifying"
	case Committing:
		return "committing"
	case Rebooting:
		return "rebooting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
