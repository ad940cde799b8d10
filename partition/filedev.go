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
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// MaxTransferBytes is the largest single read or write issued to a
// FileDevice; larger requests are chunked.
var MaxTransferBytes = 32 * 1024

// FileDevice is a block device backed by a file or a raw disk node.
type FileDevice struct {
	f         *os.File
	blockSize uint
	blocks    uint
}

// OpenFileDevice opens the block device at path. When path is a regular file
// shorter than blocks*blockSize it is extended, so an image file can stand in
// for real storage.
func OpenFileDevice(path string, blockSize, blocks uint) (*FileDevice, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(blockSize) * int64(blocks)
	if fi.Mode().IsRegular() && fi.Size() < want {
		klog.Infof("Extending %s to %d bytes", path, want)
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDevice{f: f, blockSize: blockSize, blocks: blocks}, nil
}

// BlockSize returns the size in bytes of each block.
func (d *FileDevice) BlockSize() uint {
	return d.blockSize
}

// WriteBlocks writes the data in b to the device blocks starting at the given
// block address. If the final block to be written is partial, it is padded
// with zeroes so that full blocks are written.
// Returns the number of blocks written, or an error.
func (d *FileDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if len(b) == 0 {
		return 0, nil
	}
	bs := int(d.blockSize)
	if r := len(b) % bs; r != 0 {
		b = append(b[:len(b):len(b)], make([]byte, bs-r)...)
	}
	numBlocks := uint(len(b) / bs)
	if lba+numBlocks > d.blocks {
		return 0, fmt.Errorf("write of %d blocks at %d exceeds device size (%d blocks)", numBlocks, lba, d.blocks)
	}
	for len(b) > 0 {
		bl := min(len(b), max(bs, MaxTransferBytes/bs*bs))
		if _, err := d.f.WriteAt(b[:bl], int64(lba)*int64(bs)); err != nil {
			klog.Errorf("WriteAt(%d, ...) = %v", lba, err)
			return 0, err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return numBlocks, nil
}

// ReadBlocks reads data from the device at the given block address into b.
// b must be a multiple of the block size.
func (d *FileDevice) ReadBlocks(lba uint, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	bs := int(d.blockSize)
	if len(b)%bs != 0 {
		return fmt.Errorf("read of %d bytes is not a multiple of the block size %d", len(b), bs)
	}
	if lba+uint(len(b)/bs) > d.blocks {
		return fmt.Errorf("read of %d blocks at %d exceeds device size (%d blocks)", len(b)/bs, lba, d.blocks)
	}
	for len(b) > 0 {
		bl := min(len(b), max(bs, MaxTransferBytes/bs*bs))
		if _, err := d.f.ReadAt(b[:bl], int64(lba)*int64(bs)); err != nil {
			klog.Errorf("ReadAt(%d, %d) = %v", lba, bl, err)
			return err
		}
		b = b[bl:]
		lba += uint(bl / bs)
	}
	return nil
}

// Sync commits written blocks to stable storage.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
