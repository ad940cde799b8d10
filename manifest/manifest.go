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

// Package manifest decodes firmware manifests and selects the entry a device
// should install.
//
// A manifest is a JSON object, or an array of objects, each describing one
// firmware payload:
//
//	{"type": "esp32-fota-http", "version": "1.2.3", "url": "https://fw.example.com/fw.bin"}
//	{"type": "esp32-fota-http", "version": 2, "host": "fw.example.com", "port": 443, "bin": "/fw.bin"}
//
// The document is decoded once into typed entries; fields with unexpected
// types are kept as explicit invalid variants rather than failing the whole
// document, so a single bad entry cannot stop a device from finding a good one.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/version"
	"k8s.io/klog/v2"
)

// VersionField is the version of a manifest entry as it appeared on the wire.
// It is one of IntVersion, SemverVersion or InvalidVersion.
type VersionField interface {
	// Version returns the ordered version, Zero for anything unparseable.
	Version() version.Version
	isVersionField()
}

// IntVersion is a legacy integer version, interpreted as a major version.
type IntVersion uint32

// Version implements VersionField.
func (i IntVersion) Version() version.Version { return version.FromInt(uint64(i)) }
func (IntVersion) isVersionField()            {}

// SemverVersion is a version given as a string.
type SemverVersion string

// Version implements VersionField.
func (s SemverVersion) Version() version.Version { return version.ParseOrZero(string(s)) }
func (SemverVersion) isVersionField()            {}

// InvalidVersion is a missing version, or one of an unsupported JSON type.
type InvalidVersion struct {
	Raw string
}

// Version implements VersionField.
func (i InvalidVersion) Version() version.Version {
	klog.Warningf("Invalid version format %q in manifest, defaulting to %s", i.Raw, version.Zero)
	return version.Zero
}
func (InvalidVersion) isVersionField() {}

// Location is where an entry's payload can be fetched from. It is one of
// URLLocation, HostLocation or NoLocation.
type Location interface {
	// Target resolves the location into a connectable target.
	Target() (Target, error)
	isLocation()
}

// URLLocation is a fully-qualified URL.
type URLLocation string

// Target implements Location.
func (u URLLocation) Target() (Target, error) { return ParseURL(string(u)) }
func (URLLocation) isLocation()               {}

// HostLocation is a host, port and path triple. It is always fetched over TLS.
type HostLocation struct {
	Host string
	Port int
	Path string
}

// Target implements Location.
func (h HostLocation) Target() (Target, error) {
	return NewTarget(h.Host, h.Port, h.Path)
}
func (HostLocation) isLocation() {}

// NoLocation records that an entry carried neither a url nor a complete
// host/port/bin triple.
type NoLocation struct{}

// Target implements Location.
func (NoLocation) Target() (Target, error) {
	return Target{}, fmt.Errorf("%w: manifest entry has neither 'url' nor 'host'/'port'/'bin'", api.ErrParse)
}
func (NoLocation) isLocation() {}

// Entry is a single decoded manifest entry.
type Entry struct {
	// Type is the firmware type, empty if missing or not a string.
	Type string
	// Version is the advertised payload version.
	Version VersionField
	// Location is where the payload lives.
	Location Location
	// Ambiguous is set when both a url and a host triple were present; the
	// url takes precedence.
	Ambiguous bool
}

// Document is a decoded manifest: a sequence of entries in document order.
type Document []Entry

// rawEntry captures the fields we care about without committing to their types.
type rawEntry struct {
	Type    json.RawMessage `json:"type"`
	Version json.RawMessage `json:"version"`
	URL     json.RawMessage `json:"url"`
	Host    json.RawMessage `json:"host"`
	Port    json.RawMessage `json:"port"`
	Bin     json.RawMessage `json:"bin"`
}

// Decode parses a manifest document. A single JSON object is treated as a
// document with one entry.
func Decode(data []byte) (Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty manifest", api.ErrParse)
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: manifest: %v", api.ErrParse, err)
		}
	case '{':
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: manifest is not valid JSON", api.ErrParse)
		}
		items = []json.RawMessage{data}
	default:
		return nil, fmt.Errorf("%w: manifest is neither an object nor an array", api.ErrParse)
	}

	doc := make(Document, 0, len(items))
	for i, item := range items {
		var raw rawEntry
		if err := json.Unmarshal(item, &raw); err != nil {
			klog.Warningf("Skipping manifest entry %d: %v", i, err)
			doc = append(doc, Entry{Version: InvalidVersion{}, Location: NoLocation{}})
			continue
		}
		doc = append(doc, raw.entry())
	}
	return doc, nil
}

func (r rawEntry) entry() Entry {
	e := Entry{
		Version:  decodeVersion(r.Version),
		Location: NoLocation{},
	}
	e.Type, _ = decodeString(r.Type)

	url, hasURL := decodeString(r.URL)
	host, hasHost := decodeString(r.Host)
	port, hasPort := decodeUint16(r.Port)
	bin, hasBin := decodeString(r.Bin)

	switch {
	case hasURL:
		e.Location = URLLocation(url)
		e.Ambiguous = hasHost
	case hasHost && hasPort && hasBin:
		e.Location = HostLocation{Host: host, Port: int(port), Path: bin}
	}
	return e
}

func decodeVersion(raw json.RawMessage) VersionField {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return InvalidVersion{}
	}
	if s, ok := decodeString(raw); ok {
		return SemverVersion(s)
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return InvalidVersion{Raw: string(raw)}
	}
	return IntVersion(n)
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodeUint16(raw json.RawMessage) (uint16, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(raw), 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}

// Select returns the first entry, in document order, whose type matches
// firmwareType exactly, whose location resolves, and whose version is
// strictly greater than current.
func (d Document) Select(firmwareType string, current version.Version) (Entry, Target, bool) {
	return d.scan(firmwareType, func(v version.Version) bool {
		if !v.GreaterThan(current) {
			klog.Infof("Payload version %s is not an upgrade over %s", v, current)
			return false
		}
		return true
	})
}

// Resolve returns the first entry whose type matches firmwareType and whose
// location resolves, regardless of its version.
func (d Document) Resolve(firmwareType string) (Entry, Target, bool) {
	return d.scan(firmwareType, func(version.Version) bool { return true })
}

func (d Document) scan(firmwareType string, eligible func(version.Version) bool) (Entry, Target, bool) {
	for i, e := range d {
		if e.Type != firmwareType {
			klog.V(1).Infof("Manifest entry %d type %q doesn't match %q", i, e.Type, firmwareType)
			continue
		}
		v := e.Version.Version()
		klog.Infof("Manifest entry %d matches type %q, payload version %s", i, firmwareType, v)

		if e.Ambiguous {
			klog.Warningf("Manifest entry %d provides both url and host, using url", i)
		}
		t, err := e.Location.Target()
		if err != nil {
			klog.Warningf("Skipping manifest entry %d: %v", i, err)
			continue
		}
		if !eligible(v) {
			continue
		}
		return e, t, true
	}
	return Entry{}, Target{}, false
}
