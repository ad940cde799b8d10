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
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// batchBlocks limits the number of blocks handed to the device in a single
// write, bounding the memory needed for buffering.
const batchBlocks = 64

var (
	// ErrOverflow is returned when a write would take the image past the
	// length declared to Begin.
	ErrOverflow = errors.New("write past declared image length")

	errClosed = errors.New("handle already closed")
)

// Handle is an in-progress image write to a slot. Bytes are accepted in
// order and never rewound.
type Handle struct {
	t    *Table
	slot int
	lba  uint

	expected int64
	written  int64
	version  string

	// flushed counts the complete blocks already on the device, pending
	// holds the bytes following them.
	flushed uint
	pending []byte

	err  error
	done bool
}

// Slot returns the slot being written.
func (h *Handle) Slot() int { return h.slot }

// Written returns the number of bytes accepted so far.
func (h *Handle) Written() int64 { return h.written }

// Expected returns the image length declared to Begin.
func (h *Handle) Expected() int64 { return h.expected }

// SetVersion sets the version recorded when the image is committed.
func (h *Handle) SetVersion(v string) { h.version = v }

// Write appends p to the image. Writes which would exceed the declared
// length are refused entirely.
func (h *Handle) Write(p []byte) (int, error) {
	if h.done {
		return 0, errClosed
	}
	if h.err != nil {
		return 0, h.err
	}
	if int64(len(p)) > h.expected-h.written {
		return 0, fmt.Errorf("%w: %d bytes at offset %d, image is %d bytes", ErrOverflow, len(p), h.written, h.expected)
	}
	h.pending = append(h.pending, p...)
	h.written += int64(len(p))

	bs := int(h.t.bs)
	if full := len(h.pending) / bs; full >= batchBlocks {
		if err := h.flush(full * bs); err != nil {
			h.err = err
			return 0, err
		}
	}
	return len(p), nil
}

// flush writes the first n bytes of pending, a multiple of the block size,
// to the device.
func (h *Handle) flush(n int) error {
	if n == 0 {
		return nil
	}
	bs := int(h.t.bs)
	b := h.pending[:n]
	for len(b) > 0 {
		l := min(len(b), batchBlocks*bs)
		if _, err := h.t.dev.WriteBlocks(h.lba+h.flushed, b[:l]); err != nil {
			return fmt.Errorf("failed to write slot %d block %d: %v", h.slot, h.flushed, err)
		}
		h.flushed += uint(l / bs)
		b = b[l:]
	}
	h.pending = append(h.pending[:0], h.pending[n:]...)
	klog.V(2).Infof("Slot %d: flushed %d blocks", h.slot, h.flushed)
	return nil
}

// Sync writes everything accepted so far to the device, padding the final
// partial block with zeroes.
func (h *Handle) Sync() error {
	if h.err != nil {
		return h.err
	}
	bs := int(h.t.bs)
	if err := h.flush(len(h.pending) / bs * bs); err != nil {
		h.err = err
		return err
	}
	if len(h.pending) > 0 {
		// The tail block is rewritten if more data arrives, so flushed is
		// left alone.
		tail := make([]byte, bs)
		copy(tail, h.pending)
		if _, err := h.t.dev.WriteBlocks(h.lba+h.flushed, tail); err != nil {
			h.err = fmt.Errorf("failed to write slot %d tail block: %v", h.slot, err)
			return h.err
		}
	}
	return h.t.sync()
}

// Reader syncs the handle and returns a reader over the bytes written so
// far, read back from the device.
func (h *Handle) Reader() (io.Reader, error) {
	if err := h.Sync(); err != nil {
		return nil, err
	}
	return &slotReader{dev: h.t.dev, bs: h.t.bs, lba: h.lba, remaining: h.written}, nil
}

// End commits the image, selecting its slot for the next boot. It fails with
// a ShortWriteError unless exactly the declared number of bytes was written.
// The handle is released whatever the outcome.
func (h *Handle) End() error {
	if h.done {
		return errClosed
	}
	defer h.Abort()

	if h.written != h.expected {
		return &api.ShortWriteError{Written: h.written, Expected: h.expected}
	}
	if err := h.Sync(); err != nil {
		return err
	}
	if err := h.t.commit(h.slot, h.version, h.written); err != nil {
		return err
	}
	klog.Infof("Committed %d byte image in slot %d", h.written, h.slot)
	return nil
}

// Invalidate overwrites the first block of the slot with zeroes so the image
// can never be booted, and releases the handle.
func (h *Handle) Invalidate() error {
	if h.done {
		return errClosed
	}
	defer h.Abort()

	if _, err := h.t.dev.WriteBlocks(h.lba, make([]byte, h.t.bs)); err != nil {
		return fmt.Errorf("failed to invalidate slot %d: %v", h.slot, err)
	}
	if err := h.t.sync(); err != nil {
		return err
	}
	klog.Warningf("Invalidated slot %d", h.slot)
	return nil
}

// Abort releases the handle without committing. It is safe to call more
// than once, and after End or Invalidate.
func (h *Handle) Abort() {
	if h.done {
		return
	}
	h.done = true
	h.pending = nil
	h.t.release()
}

// slotReader reads a byte range back from contiguous device blocks.
type slotReader struct {
	dev       BlockDevice
	bs        uint
	lba       uint
	remaining int64
	buf       []byte
}

func (r *slotReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		blocks := uint((r.remaining + int64(r.bs) - 1) / int64(r.bs))
		blocks = min(blocks, batchBlocks)
		b := make([]byte, blocks*r.bs)
		if err := r.dev.ReadBlocks(r.lba, b); err != nil {
			return 0, err
		}
		r.lba += blocks
		r.buf = b[:min(int64(len(b)), r.remaining)]
		r.remaining -= int64(len(r.buf))
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
