// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objstore

import (
	"fmt"

	"github.com/westerndigitalcorporation/obd/internal/core"
)

// OpFlags are advisory flags attached to a submitted operation.
type OpFlags int

// Read placement flags. A Store may ignore them.
const (
	FlagBalanceReads OpFlags = 1 << iota
	FlagLocalizeReads
)

// Completion is a one-shot callback accepting a signed status: a negated
// errno on failure, zero or a byte count on success.
type Completion func(r int)

type stepKind int

const (
	stepAssertExists stepKind = iota
	stepSetAllocHint
	stepWrite
	stepWriteFull
	stepZero
	stepTruncate
	stepRemove
	stepRemoveWithSnaps
)

func (k stepKind) String() string {
	switch k {
	case stepAssertExists:
		return "assert_exists"
	case stepSetAllocHint:
		return "set_alloc_hint"
	case stepWrite:
		return "write"
	case stepWriteFull:
		return "write_full"
	case stepZero:
		return "zero"
	case stepTruncate:
		return "truncate"
	case stepRemove:
		return "remove"
	case stepRemoveWithSnaps:
		return "remove_with_snaps"
	}
	return fmt.Sprintf("step(%d)", int(k))
}

type writeStep struct {
	kind   stepKind
	off    uint64
	length uint64
	data   []byte
	snaps  []core.SnapID
}

// WriteOp accumulates a batch of mutations submitted atomically against one
// object. Steps are applied in the order they were appended; the first
// failing step aborts the batch.
type WriteOp struct {
	steps []writeStep
	flags OpFlags
}

// AssertExists appends a precondition step: when it runs, the batch fails
// with -ENOENT unless the object already exists, so steps after it cannot
// implicitly create the object.
func (w *WriteOp) AssertExists() {
	w.steps = append(w.steps, writeStep{kind: stepAssertExists})
}

// SetAllocHint advises the store of the expected object size and write size
// so space can be allocated up front.
func (w *WriteOp) SetAllocHint(expectedObjectSize, expectedWriteSize uint64) {
	w.steps = append(w.steps, writeStep{kind: stepSetAllocHint, off: expectedObjectSize, length: expectedWriteSize})
}

// Write writes data at the given object offset, extending the object as
// needed.
func (w *WriteOp) Write(off uint64, data []byte) {
	w.steps = append(w.steps, writeStep{kind: stepWrite, off: off, length: uint64(len(data)), data: data})
}

// WriteFull replaces the entire object contents.
func (w *WriteOp) WriteFull(data []byte) {
	w.steps = append(w.steps, writeStep{kind: stepWriteFull, length: uint64(len(data)), data: data})
}

// Zero zeroes the given range.
func (w *WriteOp) Zero(off, length uint64) {
	w.steps = append(w.steps, writeStep{kind: stepZero, off: off, length: length})
}

// Truncate resizes the object to the given length.
func (w *WriteOp) Truncate(off uint64) {
	w.steps = append(w.steps, writeStep{kind: stepTruncate, off: off})
}

// Remove deletes the object.
func (w *WriteOp) Remove() {
	w.steps = append(w.steps, writeStep{kind: stepRemove})
}

// RemoveWithSnaps deletes the head revision while preserving clones still
// referenced by the given snapshots.
func (w *WriteOp) RemoveWithSnaps(snaps []core.SnapID) {
	w.steps = append(w.steps, writeStep{kind: stepRemoveWithSnaps, snaps: snaps})
}

// SetOpFlags attaches advisory flags to the batch.
func (w *WriteOp) SetOpFlags(flags OpFlags) {
	w.flags |= flags
}

// Len reports the number of steps appended so far.
func (w *WriteOp) Len() int {
	return len(w.steps)
}

// ReadOp describes a single read of one object.
type ReadOp struct {
	off    uint64
	length uint64
	data   *[]byte
	extMap *map[uint64]uint64
	sparse bool
	flags  OpFlags
}

// Read reads the given range into *data.
func (r *ReadOp) Read(off, length uint64, data *[]byte) {
	r.off, r.length, r.data = off, length, data
}

// SparseRead reads the given range into *data and reports the extents that
// hold data (offset → length) in *extMap.
func (r *ReadOp) SparseRead(off, length uint64, extMap *map[uint64]uint64, data *[]byte) {
	r.off, r.length, r.data, r.extMap, r.sparse = off, length, data, extMap, true
}

// SetOpFlags attaches advisory flags to the read.
func (r *ReadOp) SetOpFlags(flags OpFlags) {
	r.flags |= flags
}
