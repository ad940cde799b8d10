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
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/transparency-dev/armored-fota/api"
)

const (
	httpsPort = 443
	httpPort  = 80
)

// Target is a resolved payload location.
type Target struct {
	Host string
	Port int
	// Path is the request path, always starting with "/".
	Path string
	// Secure is set when the payload must be fetched over TLS.
	Secure bool
}

// NewTarget returns a TLS target for the given host, port and path.
func NewTarget(host string, port int, path string) (Target, error) {
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty host", api.ErrParse)
	}
	if port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("%w: invalid port %d", api.ErrParse, port)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return Target{Host: host, Port: port, Path: path, Secure: true}, nil
}

// ParseURL parses an http or https URL of the form scheme://host[:port]/path.
//
// The host runs up to the first '/', which must be present.
func ParseURL(raw string) (Target, error) {
	var t Target
	rest := ""
	switch {
	case strings.HasPrefix(raw, "https://"):
		rest = strings.TrimPrefix(raw, "https://")
		t.Secure, t.Port = true, httpsPort
	case strings.HasPrefix(raw, "http://"):
		rest = strings.TrimPrefix(raw, "http://")
		t.Port = httpPort
	default:
		return Target{}, fmt.Errorf("%w: unsupported URL %q", api.ErrParse, raw)
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return Target{}, fmt.Errorf("%w: URL %q has no path", api.ErrParse, raw)
	}
	t.Host, t.Path = rest[:slash], rest[slash:]

	if h, p, err := net.SplitHostPort(t.Host); err == nil {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return Target{}, fmt.Errorf("%w: URL %q has invalid port %q", api.ErrParse, raw, p)
		}
		t.Host, t.Port = h, int(port)
	} else if strings.HasPrefix(t.Host, "[") && strings.HasSuffix(t.Host, "]") {
		// A bracketed IPv6 literal without a port.
		t.Host = t.Host[1 : len(t.Host)-1]
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("%w: URL %q has no host", api.ErrParse, raw)
	}
	return t, nil
}

// Address returns the host:port pair to dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// String renders the target as a URL.
func (t Target) String() string {
	scheme := "http"
	if t.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, t.Address(), t.Path)
}

// WithQuery returns a copy of t with key=value appended to the path's query.
func (t Target) WithQuery(key, value string) Target {
	sep := "?"
	if strings.Contains(t.Path, "?") {
		sep = "&"
	}
	t.Path = t.Path + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return t
}
