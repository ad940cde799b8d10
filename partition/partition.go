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

// Package partition manages the firmware slots on a block device and the
// record selecting which of them boots next.
//
// The storage is laid out as:
//
//	[Start]        boot record, copy A
//	[Start+1]      boot record, copy B
//	[Start+2 ...]  slot 0, slot 1, ...
//
// Images are streamed into the slot the device is not running from, and only
// selected for boot once they have been completely written.
package partition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// recordBlocks is the number of blocks reserved for boot record copies.
const recordBlocks = 2

// BlockDevice is the raw storage a Table lives on.
type BlockDevice interface {
	// BlockSize returns the size in bytes of each block.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes, a multiple of the block size, starting
	// at the given block address.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes b starting at the given block address, padding a
	// partial final block with zeroes. It returns the number of blocks
	// written.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// syncer is implemented by devices which buffer writes.
type syncer interface {
	Sync() error
}

// Geometry describes the physical layout of the boot record and the firmware
// slots on the underlying storage.
type Geometry struct {
	// Start identifies the address of the first block of the table.
	Start uint
	// Length is the number of blocks covered by the table, including the
	// boot record blocks.
	Length uint
	// SlotLengths is an ordered list containing the lengths in blocks of the
	// firmware slots. At least two are required.
	SlotLengths []uint
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if len(g.SlotLengths) < 2 {
		return fmt.Errorf("%w: invalid geometry: need at least 2 slots, got %d", api.ErrConfiguration, len(g.SlotLengths))
	}
	t := uint(recordBlocks)
	for i, l := range g.SlotLengths {
		if l == 0 {
			return fmt.Errorf("%w: invalid geometry: slot %d is empty", api.ErrConfiguration, i)
		}
		t += l
	}
	if t > g.Length {
		return fmt.Errorf("%w: invalid geometry: boot record and slots (%d blocks) exceed overall length (%d blocks)", api.ErrConfiguration, t, g.Length)
	}
	return nil
}

type slot struct {
	// start and length define the on-storage blocks assigned to this slot:
	// [start, start+length).
	start, length uint
}

// Table is the set of firmware slots on a device.
type Table struct {
	dev  BlockDevice
	geo  Geometry
	bs   uint
	slot []slot

	// mu guards the fields below.
	mu      sync.Mutex
	running int
	rec     Record
	// recIdx is the boot record copy holding rec.
	recIdx int
	// busy is set while a Handle is outstanding.
	busy bool
}

// OpenTable returns a table for accessing the slots described by the given
// geometry. The running slot is taken from the boot record, slot 0 if the
// device has never been committed to.
func OpenTable(dev BlockDevice, geo Geometry) (*Table, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		dev: dev,
		geo: geo,
		bs:  dev.BlockSize(),
	}
	b := geo.Start + recordBlocks
	for _, l := range geo.SlotLengths {
		t.slot = append(t.slot, slot{start: b, length: l})
		b += l
	}

	rec, idx, err := t.readRecord()
	switch {
	case errors.Is(err, errNoRecord):
		klog.Infof("No boot record found, assuming slot 0")
		t.rec, t.recIdx = Record{}, recordBlocks-1
	case err != nil:
		return nil, err
	default:
		if rec.Slot < 0 || rec.Slot >= len(t.slot) {
			return nil, fmt.Errorf("boot record selects slot %d, table has %d slots", rec.Slot, len(t.slot))
		}
		t.rec, t.recIdx = rec, idx
	}
	t.running = t.rec.Slot
	klog.Infof("Opened partition table: %d slots, running slot %d (boot seq %d)", len(t.slot), t.running, t.rec.Seq)
	return t, nil
}

// NumSlots returns the number of slots in the table.
func (t *Table) NumSlots() int {
	return len(t.slot)
}

// SlotSize returns the capacity in bytes of the given slot.
func (t *Table) SlotSize(i int) int64 {
	return int64(t.slot[i].length) * int64(t.bs)
}

// Running returns the slot the device booted from.
func (t *Table) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Boot returns the slot selected for the next boot.
func (t *Table) Boot() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Slot
}

// Record returns the current boot record.
func (t *Table) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// NextUpdate returns the slot the next update should be written to: the one
// following the running slot.
func (t *Table) NextUpdate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.running + 1) % len(t.slot)
}

// SetBoot selects the given slot for the next boot.
func (t *Table) SetBoot(i int) error {
	if i < 0 || i >= len(t.slot) {
		return fmt.Errorf("invalid slot %d (table has %d slots)", i, len(t.slot))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Record{Slot: i}
	if i == t.rec.Slot {
		r.Version, r.Size = t.rec.Version, t.rec.Size
	}
	return t.writeRecord(r)
}

// commit records a completely written image as the next boot selection.
func (t *Table) commit(i int, version string, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeRecord(Record{Slot: i, Version: version, Size: size})
}

// writeRecord stores r with the next sequence number in the copy not holding
// the current record, so that a torn write leaves the current one intact.
func (t *Table) writeRecord(r Record) error {
	r.Seq = t.rec.Seq + 1
	idx := (t.recIdx + 1) % recordBlocks

	b, err := r.marshal(t.bs)
	if err != nil {
		return err
	}
	if _, err := t.dev.WriteBlocks(t.geo.Start+uint(idx), b); err != nil {
		return fmt.Errorf("failed to write boot record: %v", err)
	}
	if err := t.sync(); err != nil {
		return err
	}
	t.rec, t.recIdx = r, idx
	klog.Infof("Boot slot set to %d (seq %d)", r.Slot, r.Seq)
	return nil
}

// readRecord returns the valid boot record copy with the highest sequence
// number, and its index.
func (t *Table) readRecord() (Record, int, error) {
	best, bestIdx := Record{}, -1
	b := make([]byte, t.bs)
	for i := 0; i < recordBlocks; i++ {
		if err := t.dev.ReadBlocks(t.geo.Start+uint(i), b); err != nil {
			return Record{}, 0, fmt.Errorf("failed to read boot record %d: %v", i, err)
		}
		r, err := unmarshalRecord(b)
		if err != nil {
			klog.V(1).Infof("Boot record copy %d: %v", i, err)
			continue
		}
		if bestIdx < 0 || r.Seq > best.Seq {
			best, bestIdx = r, i
		}
	}
	if bestIdx < 0 {
		return Record{}, 0, errNoRecord
	}
	return best, bestIdx, nil
}

func (t *Table) sync() error {
	if s, ok := t.dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("failed to sync device: %v", err)
		}
	}
	return nil
}

// Begin prepares the next update slot to receive an image of exactly
// expected bytes. Only one Handle may be outstanding at a time.
//
// If the slot holds an image committed since boot, the running slot is
// selected for boot again before the handle is returned, so that an
// abandoned write cannot leave a partial image selected.
func (t *Table) Begin(expected int64) (*Handle, error) {
	target := t.NextUpdate()
	if expected < 0 || expected > t.SlotSize(target) {
		return nil, fmt.Errorf("%w: image of %d bytes, slot %d holds %d", api.ErrInsufficientSpace, expected, target, t.SlotSize(target))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return nil, errors.New("an update is already in progress")
	}
	if t.rec.Slot == target && target != t.running {
		klog.Infof("Slot %d holds %s pending reboot, reselecting running slot %d", target, t.rec.Version, t.running)
		if err := t.writeRecord(Record{Slot: t.running}); err != nil {
			return nil, err
		}
	}
	t.busy = true

	klog.Infof("Writing %d bytes to slot %d @ block %d", expected, target, t.slot[target].start)
	return &Handle{
		t:        t,
		slot:     target,
		lba:      t.slot[target].start,
		expected: expected,
	}, nil
}

func (t *Table) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = false
}
