// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"math"
)

// SnapID identifies a point-in-time snapshot of an image. Snapshot IDs are
// allocated by the image metadata layer and only compared here.
type SnapID uint64

// NoSnap is the sentinel SnapID denoting the writable head revision.
const NoSnap = SnapID(math.MaxUint64)

func (s SnapID) String() string {
	if s == NoSnap {
		return "head"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// SnapContext is attached to every mutation so the object store preserves
// pre-snapshot contents. Seq is the most recent snapshot sequence number at
// write time and Snaps lists the visible snapshot IDs, newest first.
type SnapContext struct {
	Seq   uint64
	Snaps []SnapID
}

// Extent is a byte range at image level.
type Extent struct {
	Offset uint64
	Length uint64
}

func (e Extent) String() string {
	return fmt.Sprintf("%d~%d", e.Offset, e.Length)
}

// ExtentsLength sums the lengths of a pruned extent list.
func ExtentsLength(extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.Length
	}
	return n
}

// ObjectState is one entry of the object map bitmap.
type ObjectState uint8

// Object map entry states. ObjectPending marks an object whose removal has
// been submitted but not yet acknowledged.
const (
	ObjectNonexistent ObjectState = iota
	ObjectExists
	ObjectPending
	ObjectExistsClean
)

func (s ObjectState) String() string {
	switch s {
	case ObjectNonexistent:
		return "nonexistent"
	case ObjectExists:
		return "exists"
	case ObjectPending:
		return "pending"
	case ObjectExistsClean:
		return "exists-clean"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}
