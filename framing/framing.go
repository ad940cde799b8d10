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

// Package framing recovers the response framing of an HTTP/1.x style stream:
// the status line, the headers and the position of the first body byte.
//
// Only the small subset of HTTP needed to stream a firmware image is
// understood; chunked transfer encoding is not supported.
package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// MaxHeaderBytes bounds the size of the header block.
const MaxHeaderBytes = 16 << 10

// OctetStream is the only content type flagged as a binary payload.
const OctetStream = "application/octet-stream"

// Header is the framing recovered from a response.
type Header struct {
	// StatusCode is the status from the status line, 0 if there was none.
	StatusCode int
	// ContentLength is the declared body length, -1 if absent or unusable.
	ContentLength int64
	// ContentType is the raw content-type value.
	ContentType string
	// OctetStream is set when ContentType is exactly application/octet-stream.
	OctetStream bool
}

// ParseHeaders consumes r line by line until a blank line or the end of the
// stream, leaving r positioned at the first body byte.
//
// Header names are matched case-insensitively, and lines may end in "\r\n"
// or "\n" with surrounding whitespace.
func ParseHeaders(r *bufio.Reader) (Header, error) {
	h := Header{ContentLength: -1}
	total := 0
	for first := true; ; first = false {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > MaxHeaderBytes {
			return h, fmt.Errorf("%w: header block exceeds %d bytes", api.ErrParse, MaxHeaderBytes)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return h, readError(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			// A blank line ends the header block, as does a clean close.
			return h, nil
		}
		klog.V(2).Infof("< %s", line)

		if first && strings.HasPrefix(line, "HTTP/") {
			h.StatusCode = statusCode(line)
		} else {
			h.header(line)
		}
		if errors.Is(err, io.EOF) {
			return h, nil
		}
	}
}

func (h *Header) header(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		klog.V(1).Infof("Ignoring malformed header line %q", line)
		return
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			klog.Warningf("Ignoring invalid content-length %q", value)
			return
		}
		h.ContentLength = n
	case "content-type":
		h.ContentType = value
		h.OctetStream = value == OctetStream
	}
}

// statusCode extracts the code from "HTTP/1.1 200 OK", returning 0 if it
// cannot be found.
func statusCode(line string) int {
	f := strings.Fields(line)
	if len(f) < 2 {
		return 0
	}
	c, err := strconv.Atoi(f[1])
	if err != nil {
		return 0
	}
	return c
}

// RequireLength returns the declared content length, or ErrMissingLength if
// the response did not carry one.
func (h Header) RequireLength() (int64, error) {
	if h.ContentLength < 0 {
		return 0, api.ErrMissingLength
	}
	return h.ContentLength, nil
}

// readError maps a read failure onto the transport error taxonomy.
func readError(err error) error {
	if errors.Is(err, api.ErrTransport) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %v", api.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", api.ErrTransport, err)
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, api.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
