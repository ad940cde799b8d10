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

package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// recordMagic marks a boot record block ("FOTA").
const recordMagic = 0x464f5441

// Record field numbers.
const (
	fieldSeq     protowire.Number = 1
	fieldSlot    protowire.Number = 2
	fieldVersion protowire.Number = 3
	fieldSize    protowire.Number = 4
)

var errNoRecord = errors.New("no valid boot record")

// Record selects the slot to boot from.
//
// On storage a record is framed as
//
//	magic(4) | length(4) | protobuf fields | crc32(4)
//
// with the CRC covering everything before it.
type Record struct {
	// Seq increases with every write, the highest valid copy wins.
	Seq uint64
	// Slot is the slot to boot from.
	Slot int
	// Version and Size describe the committed image, and are empty when the
	// slot was selected without a commit.
	Version string
	Size    int64
}

func (r Record) marshal(blockSize uint) ([]byte, error) {
	var p []byte
	p = protowire.AppendTag(p, fieldSeq, protowire.VarintType)
	p = protowire.AppendVarint(p, r.Seq)
	p = protowire.AppendTag(p, fieldSlot, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(r.Slot))
	if r.Version != "" {
		p = protowire.AppendTag(p, fieldVersion, protowire.BytesType)
		p = protowire.AppendString(p, r.Version)
	}
	if r.Size > 0 {
		p = protowire.AppendTag(p, fieldSize, protowire.VarintType)
		p = protowire.AppendVarint(p, uint64(r.Size))
	}

	if l := uint(8 + len(p) + 4); l > blockSize {
		return nil, fmt.Errorf("boot record of %d bytes exceeds block size %d", l, blockSize)
	}
	b := make([]byte, blockSize)
	binary.BigEndian.PutUint32(b[0:], recordMagic)
	binary.BigEndian.PutUint32(b[4:], uint32(len(p)))
	n := copy(b[8:], p)
	binary.BigEndian.PutUint32(b[8+n:], crc32.ChecksumIEEE(b[:8+n]))
	return b, nil
}

func unmarshalRecord(b []byte) (Record, error) {
	if len(b) < 12 || binary.BigEndian.Uint32(b) != recordMagic {
		return Record{}, errNoRecord
	}
	l := int(binary.BigEndian.Uint32(b[4:]))
	if l > len(b)-12 {
		return Record{}, fmt.Errorf("boot record length %d out of range", l)
	}
	if got, want := crc32.ChecksumIEEE(b[:8+l]), binary.BigEndian.Uint32(b[8+l:]); got != want {
		return Record{}, fmt.Errorf("boot record checksum %08x, want %08x", got, want)
	}

	var r Record
	p := b[8 : 8+l]
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		p = p[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			r.Seq, n = protowire.ConsumeVarint(p)
		case num == fieldSlot && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(p)
			r.Slot = int(v)
		case num == fieldVersion && typ == protowire.BytesType:
			r.Version, n = protowire.ConsumeString(p)
		case num == fieldSize && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(p)
			r.Size = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, p)
		}
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		p = p[n:]
	}
	return r, nil
}
