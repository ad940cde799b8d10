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

// Package testonly provides support for partition tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)

	// FailWrite, when set, is consulted before each block is written, and
	// the write stops with its error if it returns one.
	FailWrite func(lba uint) error

	// Syncs counts calls to Sync.
	Syncs int
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	if len(b)%MemBlockSize != 0 {
		return fmt.Errorf("read of %d bytes is not a multiple of %d", len(b), MemBlockSize)
	}
	bl := uint(len(b)) / MemBlockSize
	if l := uint(len(md.Storage)); lba+bl > l {
		return fmt.Errorf("read of blocks [%d, %d) beyond device blocks (%d)", lba, lba+bl, l)
	}
	for i := uint(0); i < bl; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address, padding a partial final block with zeroes.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if r := len(b) % MemBlockSize; r != 0 {
		b = append(b[:len(b):len(b)], make([]byte, MemBlockSize-r)...)
	}
	bl := uint(len(b)) / MemBlockSize
	if l := uint(len(md.Storage)); lba+bl > l {
		return 0, fmt.Errorf("write of blocks [%d, %d) beyond device blocks (%d)", lba, lba+bl, l)
	}
	for i := uint(0); i < bl; i++ {
		if md.FailWrite != nil {
			if err := md.FailWrite(lba + i); err != nil {
				return i, err
			}
		}
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return bl, nil
}

// Sync implements the optional sync hook of partition devices.
func (md *MemDev) Sync() error {
	md.Syncs++
	return nil
}

// Bytes returns a copy of n bytes starting at the given block address.
func (md *MemDev) Bytes(lba uint, n int) []byte {
	b := make([]byte, 0, n)
	for i := lba; len(b) < n && i < uint(len(md.Storage)); i++ {
		b = append(b, md.Storage[i][:min(MemBlockSize, n-len(b))]...)
	}
	return b
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}
