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

// Package version parses and orders firmware versions.
//
// Versions are semantic versions (MAJOR.MINOR.PATCH[-prerelease][+build]).
// Legacy firmware identifies itself with a bare non-negative integer, which is
// treated as a major version.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// Version is an immutable firmware version.
type Version struct {
	v semver.Version
}

// Zero is the version substituted for anything that cannot be parsed.
var Zero = Version{}

// Parse parses a semantic version or a bare integer.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty version", api.ErrParse)
	}
	if isDigits(s) {
		n, err := strconv.ParseUint(s, 10, 63)
		if err != nil {
			return Zero, fmt.Errorf("%w: version %q: %v", api.ErrParse, s, err)
		}
		return FromInt(n), nil
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: version %q: %v", api.ErrParse, s, err)
	}
	return Version{v: *v}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseOrZero parses s, substituting Zero if it is malformed.
func ParseOrZero(s string) Version {
	v, err := Parse(s)
	if err != nil {
		klog.Warningf("Invalid version %q, defaulting to %s: %v", s, Zero, err)
		return Zero
	}
	return v
}

// FromInt returns the version {n, 0, 0}.
func FromInt(n uint64) Version {
	return Version{v: semver.Version{Major: int64(n)}}
}

// Major returns the major version number.
func (v Version) Major() int64 { return v.v.Major }

// Minor returns the minor version number.
func (v Version) Minor() int64 { return v.v.Minor }

// Patch returns the patch version number.
func (v Version) Patch() int64 { return v.v.Patch }

// PreRelease returns the prerelease tag, if any.
func (v Version) PreRelease() string { return string(v.v.PreRelease) }

// Metadata returns the build metadata, if any. It never affects ordering.
func (v Version) Metadata() string { return v.v.Metadata }

// String renders v as MAJOR.MINOR.PATCH[-prerelease].
func (v Version) String() string {
	c := v.v
	c.Metadata = ""
	return c.String()
}

// Compare returns -1, 0 or 1 depending on whether a is lower than, equal to,
// or higher than b.
func Compare(a, b Version) int {
	return a.v.Compare(b.v)
}

// Equal reports whether v and o have the same precedence.
func (v Version) Equal(o Version) bool { return Compare(v, o) == 0 }

// LessThan reports whether v precedes o.
func (v Version) LessThan(o Version) bool { return Compare(v, o) < 0 }

// GreaterThan reports whether v is an upgrade over o.
func (v Version) GreaterThan(o Version) bool { return Compare(v, o) > 0 }

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
