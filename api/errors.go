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

package api

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is returned for malformed versions, manifests and URLs.
	ErrParse = errors.New("parse error")

	// ErrTransport covers connection failures and stalled streams.
	ErrTransport = errors.New("transport error")

	// ErrTimeout is returned when a stream produced no data within the
	// configured idle timeout. It is also an ErrTransport.
	ErrTimeout = fmt.Errorf("%w: idle timeout", ErrTransport)

	// ErrMissingLength is returned when a response carries no usable
	// Content-Length header, the image cannot be safely committed.
	ErrMissingLength = errors.New("missing content length")

	// ErrInsufficientSpace is returned when the declared image size does not
	// fit into the update partition.
	ErrInsufficientSpace = errors.New("insufficient space")

	// ErrSignatureMismatch is returned when the written image failed
	// signature verification. The partition has been invalidated.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrConfiguration is returned for unusable configuration, e.g. signing
	// enabled without key material.
	ErrConfiguration = errors.New("configuration error")
)

// ShortWriteError is returned when the number of bytes written to a partition
// does not match the number of bytes declared when the write began.
type ShortWriteError struct {
	Written  int64
	Expected int64
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("short write: wrote %d of %d bytes", e.Written, e.Expected)
}
