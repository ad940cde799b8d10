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

package version

import (
	"errors"
	"testing"

	"github.com/transparency-dev/armored-fota/api"
)

// ordered lists versions in strictly increasing precedence.
var ordered = []string{
	"0.0.0",
	"0.0.1",
	"0.9.0",
	"1.0.0-alpha",
	"1.0.0-alpha.1",
	"1.0.0-alpha.beta",
	"1.0.0-beta",
	"1.0.0-beta.2",
	"1.0.0-beta.11",
	"1.0.0-rc.1",
	"1.0.0",
	"1.0.1",
	"1.2.0",
	"2",
	"2.0.1",
	"10.0.0",
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1.2.3", want: "1.2.3"},
		{in: " 1.2.3\r\n", want: "1.2.3"},
		{in: "1.2.3-rc.1", want: "1.2.3-rc.1"},
		{in: "1.2.3+build.7", want: "1.2.3"},
		{in: "1.2.3-rc.1+build.7", want: "1.2.3-rc.1"},
		{in: "7", want: "7.0.0"},
		{in: "0", want: "0.0.0"},
		{in: "", wantErr: true},
		{in: "1.2", wantErr: true},
		{in: "v1.2.3", wantErr: true},
		{in: "1.2.x", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1.2.3-rc..1", wantErr: true},
		{in: "banana", wantErr: true},
	} {
		t.Run(test.in, func(t *testing.T) {
			v, err := Parse(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Parse(%q) = %v, wantErr %t", test.in, err, test.wantErr)
			}
			if test.wantErr {
				if !errors.Is(err, api.ErrParse) {
					t.Fatalf("Parse(%q) returned %v, want ErrParse", test.in, err)
				}
				return
			}
			if got := v.String(); got != test.want {
				t.Fatalf("Parse(%q).String() = %q, want %q", test.in, got, test.want)
			}
		})
	}
}

func TestParseOrZero(t *testing.T) {
	if got := ParseOrZero("not-a-version"); !got.Equal(Zero) {
		t.Fatalf("ParseOrZero() = %v, want %v", got, Zero)
	}
	if got, want := ParseOrZero("3.1.4"), MustParse("3.1.4"); !got.Equal(want) {
		t.Fatalf("ParseOrZero() = %v, want %v", got, want)
	}
}

func TestFromInt(t *testing.T) {
	if got, want := FromInt(3), MustParse("3.0.0"); !got.Equal(want) {
		t.Fatalf("FromInt(3) = %v, want %v", got, want)
	}
	if got := FromInt(3).String(); got != "3.0.0" {
		t.Fatalf("FromInt(3).String() = %q", got)
	}
}

func TestCompareOrder(t *testing.T) {
	vs := make([]Version, len(ordered))
	for i, s := range ordered {
		vs[i] = MustParse(s)
	}
	for i := range vs {
		for j := range vs {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			if got := Compare(vs[i], vs[j]); got != want {
				t.Errorf("Compare(%s, %s) = %d, want %d", vs[i], vs[j], got, want)
			}
		}
	}
}

func TestCompareLaws(t *testing.T) {
	vs := make([]Version, 0, len(ordered)+2)
	for _, s := range ordered {
		vs = append(vs, MustParse(s))
	}
	// Same precedence, different build metadata.
	vs = append(vs, MustParse("1.0.0+a"), MustParse("1.0.0+b"))

	for _, a := range vs {
		if Compare(a, a) != 0 {
			t.Errorf("Compare(%s, %s) != 0", a, a)
		}
		for _, b := range vs {
			if got, rev := Compare(a, b), Compare(b, a); got != -rev {
				t.Errorf("antisymmetry: Compare(%s, %s) = %d, Compare(%s, %s) = %d", a, b, got, b, a, rev)
			}
			for _, c := range vs {
				if Compare(a, b) <= 0 && Compare(b, c) <= 0 && Compare(a, c) > 0 {
					t.Errorf("transitivity: %s <= %s <= %s but %s > %s", a, b, c, a, c)
				}
			}
		}
	}
}

func TestRenderRoundTrip(t *testing.T) {
	for _, s := range append(ordered, "1.2.3+meta", "4.5.6-x.7.z.92+exp.sha.5114f85") {
		v := MustParse(s)
		r, err := Parse(v.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", v.String(), err)
		}
		if got, want := r.String(), v.String(); got != want {
			t.Errorf("render(parse(render(%q))) = %q, want %q", s, got, want)
		}
	}
}

func TestPrereleaseOutranked(t *testing.T) {
	rel, pre := MustParse("2.0.0"), MustParse("2.0.0-rc.9")
	if !rel.GreaterThan(pre) || !pre.LessThan(rel) {
		t.Fatalf("%s should outrank %s", rel, pre)
	}
}

func TestTextMarshaling(t *testing.T) {
	var v Version
	if err := v.UnmarshalText([]byte("1.4.0-beta")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	b, err := v.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if got, want := string(b), "1.4.0-beta"; got != want {
		t.Fatalf("MarshalText() = %q, want %q", got, want)
	}
	if err := v.UnmarshalText([]byte("nope")); err == nil {
		t.Fatal("UnmarshalText accepted malformed input")
	}
}
