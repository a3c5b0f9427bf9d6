// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

// copyupWaiter is a write-family request parked on a copyup job. Its
// mutations ride in the copyup batch and its automaton is resumed with the
// job's terminal status.
type copyupWaiter interface {
	Complete(r int)
	appendCopyupOps(op *objstore.WriteOp)
}

type copyupState int

const (
	copyupReadFromParent copyupState = iota
	copyupObjectMap
	copyupWriteObject
)

// CopyupRequest materializes a child object from its parent: one parent
// read, one object map update and one write-full per object, no matter how
// many requests demanded the copyup while it was in flight.
type CopyupRequest struct {
	ictx          *ImageCtx
	oid           string
	objectNo      uint64
	parentExtents []core.Extent
	state         copyupState

	data []byte

	// pending is appended under ictx.copyupListLock. Waiters present when
	// the copyup write is built have their ops bundled into it.
	pending []copyupWaiter
}

// startOrAttachCopyup coalesces copyup work per object number: the first
// caller creates and sends the job, later callers attach to it. The waiter
// may be nil (copy-on-read).
func (ictx *ImageCtx) startOrAttachCopyup(objectNo uint64, oid string, parentExtents []core.Extent, waiter copyupWaiter) {
	ictx.copyupListLock.Lock()
	if req, ok := ictx.copyupList[objectNo]; ok {
		if waiter != nil {
			req.pending = append(req.pending, waiter)
		}
		ictx.copyupListLock.Unlock()
		metricCopyups.WithLabelValues("coalesced").Inc()
		log.V(2).Infof("copyup %s: attached to existing request", oid)
		return
	}

	req := &CopyupRequest{
		ictx:          ictx,
		oid:           oid,
		objectNo:      objectNo,
		parentExtents: parentExtents,
		state:         copyupReadFromParent,
	}
	if waiter != nil {
		req.pending = append(req.pending, waiter)
	}
	ictx.copyupList[objectNo] = req
	ictx.copyupListLock.Unlock()

	metricCopyups.WithLabelValues("started").Inc()
	req.send()
}

// send issues the parent read covering the object's pruned parent extents.
func (c *CopyupRequest) send() {
	ictx := c.ictx

	ictx.parentLock.RLock()
	parent := ictx.Parent
	ictx.parentLock.RUnlock()
	if parent == nil {
		c.finish(-core.ENOENT)
		return
	}

	log.V(2).Infof("copyup %s: reading %v from parent", c.oid, c.parentExtents)
	parent.AioRead(c.parentExtents, &c.data, c.complete)
}

func (c *CopyupRequest) complete(r int) {
	log.V(2).Infof("copyup %s: state %d r = %s", c.oid, c.state, core.StrError(r))

	switch c.state {
	case copyupReadFromParent:
		if r < 0 {
			c.finish(r)
			return
		}
		c.sendObjectMapUpdate()
	case copyupObjectMap:
		if r < 0 {
			c.finish(r)
			return
		}
		c.sendWriteObject()
	case copyupWriteObject:
		c.finish(r)
	default:
		log.Fatalf("copyup %s: invalid request state: %d", c.oid, c.state)
	}
}

// sendObjectMapUpdate marks the head object existing before the copy is
// written. The transition applies only from nonexistent: an entry a write
// already moved to exists, or a removal moved to pending, stays put.
func (c *CopyupRequest) sendObjectMapUpdate() {
	ictx := c.ictx

	submitted := false
	func() {
		ictx.snapLock.RLock()
		defer ictx.snapLock.RUnlock()
		if ictx.ObjectMap == nil {
			return
		}

		ictx.objectMapLock.Lock()
		defer ictx.objectMapLock.Unlock()
		if !ictx.ObjectMap.UpdateRequired(c.objectNo, core.ObjectExists) {
			return
		}
		current := core.ObjectNonexistent
		c.state = copyupObjectMap
		if ictx.ObjectMap.AioUpdate(c.objectNo, core.ObjectExists, &current, c.complete) {
			metricObjectMapUpdates.Inc()
			submitted = true
		} else {
			c.state = copyupReadFromParent
		}
	}()

	if !submitted {
		c.sendWriteObject()
	}
}

// sendWriteObject writes the full copied object plus the bundled mutations
// of every waiter attached so far, as one batch.
func (c *CopyupRequest) sendWriteObject() {
	ictx := c.ictx
	c.state = copyupWriteObject

	op := &objstore.WriteOp{}
	op.WriteFull(c.data)

	ictx.copyupListLock.Lock()
	waiters := append([]copyupWaiter(nil), c.pending...)
	ictx.copyupListLock.Unlock()
	for _, w := range waiters {
		w.appendCopyupOps(op)
	}

	log.V(2).Infof("copyup %s: writing %d bytes, %d piggybacked requests", c.oid, len(c.data), len(waiters))
	if r := ictx.Store.AioOperate(c.oid, c.complete, op, ictx.SnapContext()); r != 0 {
		log.Fatalf("copyup %s: submission failed: %s", c.oid, core.StrError(r))
	}
}

// finish removes the job from the registry, then resumes every parked
// request with the terminal status.
func (c *CopyupRequest) finish(r int) {
	ictx := c.ictx

	ictx.copyupListLock.Lock()
	delete(ictx.copyupList, c.objectNo)
	pending := c.pending
	c.pending = nil
	ictx.copyupListLock.Unlock()

	log.V(2).Infof("copyup %s: finished with %s, resuming %d requests", c.oid, core.StrError(r), len(pending))
	for _, w := range pending {
		w.Complete(r)
	}
}
