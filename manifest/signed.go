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

package manifest

import (
	"fmt"

	"github.com/transparency-dev/armored-fota/api"
	"golang.org/x/mod/sumdb/note"
)

// NewVerifiers builds a verifier list from note verifier keys, as produced by
// note.GenerateKey.
func NewVerifiers(keys ...string) (note.Verifiers, error) {
	vs := make([]note.Verifier, 0, len(keys))
	for _, k := range keys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest verifier key: %v", api.ErrConfiguration, err)
		}
		vs = append(vs, v)
	}
	return note.VerifierList(vs...), nil
}

// OpenSigned checks that msg is a note signed by at least one of the given
// verifiers and returns its text, the manifest JSON.
func OpenSigned(msg []byte, verifiers note.Verifiers) ([]byte, error) {
	n, err := note.Open(msg, verifiers)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open signed manifest: %v", api.ErrParse, err)
	}
	return []byte(n.Text), nil
}
