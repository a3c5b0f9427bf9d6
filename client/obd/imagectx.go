// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package obd implements the per-object asynchronous request engine of an
// object-backed block device client. Each logical read or write is split by
// the image layer into one request per affected backing object; the
// requests here drive those objects through copy-on-read, copy-on-write
// (copyup) and object map coordination against an opaque object store.
package obd

import (
	"fmt"
	"sync"

	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objmap"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

// Completion is a one-shot callback sink accepting a signed status.
type Completion func(r int)

// ImageReader is the image-level read entry point. Parent reads go through
// it. Implementations must not invoke the callback on the calling
// goroutine.
type ImageReader interface {
	AioRead(extents []core.Extent, data *[]byte, cb Completion)
}

// ExclusiveLock reports image-level write lock ownership. The engine only
// consults ownership; acquiring and releasing the lock is the image
// lifecycle's business.
type ExclusiveLock interface {
	IsLockOwner() bool
}

const workQueueWorkers = 4

// ImageCtx carries the shared image metadata consulted by object requests.
// The request engine reads it under the reader-writer locks below and never
// mutates the snapshot or parent view itself.
type ImageCtx struct {
	Name         string
	ObjectSize   uint64
	ObjectPrefix string

	CloneCopyOnRead  bool
	ReadOnly         bool
	EnableAllocHint  bool
	BalanceSnapReads bool

	// Store performs the actual object I/O.
	Store objstore.Store

	// Parent is the parent image read handle, nil for non-cloned images.
	// Guarded by parentLock.
	Parent ImageReader

	// ObjectMap tracks which backing objects may exist, nil when disabled.
	ObjectMap *objmap.Map

	// Lock is the exclusive lock ownership predicate, nil when exclusive
	// locking is disabled.
	Lock ExclusiveLock

	// OpWorkQueue runs completions for stages that never reach the store.
	OpWorkQueue *WorkQueue

	// Lock order: snapLock, then parentLock, then objectMapLock or
	// copyupListLock. Never hold copyupListLock across I/O submission.
	snapLock      sync.RWMutex
	parentLock    sync.RWMutex
	objectMapLock sync.RWMutex

	// Registry of in-flight copyups, one per object number at most.
	copyupListLock sync.Mutex
	copyupList     map[uint64]*CopyupRequest

	// Snapshot view: IDs newest first, per-snapshot parent overlap, and the
	// snapshot sequence number attached to mutations. Guarded by snapLock;
	// overlaps additionally by parentLock.
	snaps         []core.SnapID
	snapOverlap   map[core.SnapID]uint64
	snapSeq       uint64
	parentOverlap uint64
}

// NewImageCtx creates an image context with no parent, no snapshots and no
// object map.
func NewImageCtx(name string, objectSize uint64, store objstore.Store) *ImageCtx {
	return &ImageCtx{
		Name:         name,
		ObjectSize:   objectSize,
		ObjectPrefix: fmt.Sprintf("obd_data.%s", name),
		Store:        store,
		OpWorkQueue:  NewWorkQueue(workQueueWorkers),
		copyupList:   make(map[uint64]*CopyupRequest),
		snapOverlap:  make(map[core.SnapID]uint64),
	}
}

// Close stops the work queue. In-flight requests must have completed.
func (ictx *ImageCtx) Close() {
	ictx.OpWorkQueue.Stop()
}

// ObjectName returns the backing object name for an object number.
func (ictx *ImageCtx) ObjectName(objectNo uint64) string {
	return fmt.Sprintf("%s.%016x", ictx.ObjectPrefix, objectNo)
}

// SetParent attaches (or with a nil reader, detaches) the parent image and
// the head parent overlap.
func (ictx *ImageCtx) SetParent(reader ImageReader, overlap uint64) {
	ictx.snapLock.Lock()
	ictx.parentLock.Lock()
	ictx.Parent = reader
	ictx.parentOverlap = overlap
	ictx.parentLock.Unlock()
	ictx.snapLock.Unlock()
}

// AddSnapshot records a snapshot taken at the current head, with the parent
// overlap visible to it.
func (ictx *ImageCtx) AddSnapshot(id core.SnapID, overlap uint64) {
	ictx.snapLock.Lock()
	ictx.parentLock.Lock()
	ictx.snaps = append([]core.SnapID{id}, ictx.snaps...)
	ictx.snapOverlap[id] = overlap
	if uint64(id) > ictx.snapSeq {
		ictx.snapSeq = uint64(id)
	}
	ictx.parentLock.Unlock()
	ictx.snapLock.Unlock()
}

// SnapContext returns the snapshot context to attach to new mutations.
func (ictx *ImageCtx) SnapContext() core.SnapContext {
	ictx.snapLock.RLock()
	defer ictx.snapLock.RUnlock()
	return core.SnapContext{
		Seq:   ictx.snapSeq,
		Snaps: append([]core.SnapID(nil), ictx.snaps...),
	}
}

// GetParentOverlap reports the parent image bytes visible at the given
// snapshot. Caller holds snapLock and parentLock as readers. A negative
// status means the snapshot no longer exists.
func (ictx *ImageCtx) GetParentOverlap(snapID core.SnapID) (uint64, int) {
	if snapID == core.NoSnap {
		return ictx.parentOverlap, 0
	}
	overlap, ok := ictx.snapOverlap[snapID]
	if !ok {
		return 0, -core.ENOENT
	}
	return overlap, 0
}

// readFlags returns the advisory flags for a read at the given snapshot.
// Caller does not need any locks; the policy fields are immutable after
// open.
func (ictx *ImageCtx) readFlags(snapID core.SnapID) objstore.OpFlags {
	if snapID != core.NoSnap && ictx.BalanceSnapReads {
		return objstore.FlagBalanceReads
	}
	return 0
}

// isCopyOnRead decides copy-on-read eligibility. Caller holds snapLock as
// reader.
func isCopyOnRead(ictx *ImageCtx, snapID core.SnapID) bool {
	return ictx.CloneCopyOnRead &&
		!ictx.ReadOnly && snapID == core.NoSnap &&
		(ictx.Lock == nil || ictx.Lock.IsLockOwner())
}

// pruneParentExtents drops or truncates extents beyond the parent overlap
// and returns the pruned list with the number of bytes remaining.
func pruneParentExtents(extents []core.Extent, overlap uint64) ([]core.Extent, uint64) {
	pruned := extents[:0]
	var remaining uint64
	for _, e := range extents {
		if e.Offset >= overlap {
			continue
		}
		if e.Offset+e.Length > overlap {
			e.Length = overlap - e.Offset
		}
		pruned = append(pruned, e)
		remaining += e.Length
	}
	if remaining == 0 {
		return nil, 0
	}
	return pruned, remaining
}
