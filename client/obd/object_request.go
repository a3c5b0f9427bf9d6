// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

// requestDriver is the per-variant automaton surface behind Complete.
type requestDriver interface {
	// Send submits the first stage of the request.
	Send()

	// shouldComplete consumes a stage result and reports whether the
	// request has reached a terminal state.
	shouldComplete(r int) bool
}

// objectRequest is the header shared by every request variant: one
// in-flight operation against one backing object. A request is touched by
// one goroutine at a time; at most one asynchronous stage is outstanding
// and its completion is the only resumption point.
type objectRequest struct {
	ictx       *ImageCtx
	driver     requestDriver
	oid        string
	objectNo   uint64
	objectOff  uint64
	objectLen  uint64
	snapID     core.SnapID
	completion Completion
	hideENOENT bool

	// parentExtents projects this object into the parent image, pruned by
	// the parent overlap. Moved into a copyup job when one is started.
	parentExtents []core.Extent

	start     time.Time
	metricDur prometheus.Observer
}

func newObjectRequest(ictx *ImageCtx, oid string, objectNo, off, length uint64,
	snapID core.SnapID, completion Completion, hideENOENT bool, op string) objectRequest {
	o := objectRequest{
		ictx:       ictx,
		oid:        oid,
		objectNo:   objectNo,
		objectOff:  off,
		objectLen:  length,
		snapID:     snapID,
		completion: completion,
		hideENOENT: hideENOENT,
		start:      time.Now(),
		metricDur:  metricRequestLatenciesSet.WithLabelValues(op),
	}
	metricObjectRequests.WithLabelValues(op).Inc()

	o.parentExtents = ictx.extentToFile(objectNo, 0, ictx.ObjectSize)

	ictx.snapLock.RLock()
	ictx.parentLock.RLock()
	o.computeParentExtents()
	ictx.parentLock.RUnlock()
	ictx.snapLock.RUnlock()
	return o
}

// Complete drives the automaton with the result of the last submitted
// stage. It is the single entry invoked by object store, object map and
// parent read callbacks. When the automaton reaches a terminal state the
// status is delivered to the completion sink exactly once and the request
// must not be touched again.
func (o *objectRequest) Complete(r int) {
	if o.driver.shouldComplete(r) {
		log.V(2).Infof("complete %s %d~%d: r = %s", o.oid, o.objectOff, o.objectLen, core.StrError(r))
		if o.hideENOENT && r == -core.ENOENT {
			r = 0
		}
		o.metricDur.Observe(float64(time.Since(o.start)) / 1e9)
		o.completion(r)
	}
}

// hasParent reports whether any parent extents remain after pruning.
func (o *objectRequest) hasParent() bool {
	return len(o.parentExtents) > 0
}

// computeParentExtents reprunes the request's parent extents against the
// current overlap. Caller holds snapLock and parentLock as readers. A
// pruned-away or unretrievable overlap leaves the request with no parent;
// it is not a request error.
func (o *objectRequest) computeParentExtents() bool {
	overlap, r := o.ictx.GetParentOverlap(o.snapID)
	if r < 0 {
		// The snapshot may be deleted while requests still read from it.
		log.Errorf("%s: failed to retrieve parent overlap: %s", o.oid, core.StrError(r))
		o.parentExtents = nil
		return false
	}

	var remaining uint64
	o.parentExtents, remaining = pruneParentExtents(o.parentExtents, overlap)
	if remaining > 0 {
		log.V(2).Infof("%s: overlap %d extents %v", o.oid, overlap, o.parentExtents)
		return true
	}
	return false
}

/** read **/

type readState int

const (
	readFlat readState = iota
	readGuard
	readCopyup
)

// ReadRequest reads one object range, falling back to the parent image
// when the object does not exist, and optionally kicking off an
// asynchronous copyup after a parent hit (copy-on-read).
type ReadRequest struct {
	objectRequest

	sparse      bool
	opFlags     objstore.OpFlags
	triedParent bool
	state       readState

	readData []byte
	extMap   map[uint64]uint64
}

// NewReadRequest constructs a read of [off, off+length) of the given
// object as visible at snapID.
func NewReadRequest(ictx *ImageCtx, oid string, objectNo, off, length uint64,
	snapID core.SnapID, sparse bool, completion Completion, opFlags objstore.OpFlags) *ReadRequest {
	r := &ReadRequest{
		objectRequest: newObjectRequest(ictx, oid, objectNo, off, length, snapID, completion, false, "read"),
		sparse:        sparse,
		opFlags:       opFlags,
		state:         readFlat,
	}
	r.driver = r
	r.guardRead()
	return r
}

func (r *ReadRequest) guardRead() {
	ictx := r.ictx
	ictx.snapLock.RLock()
	defer ictx.snapLock.RUnlock()
	ictx.parentLock.RLock()
	defer ictx.parentLock.RUnlock()

	if r.hasParent() {
		log.V(2).Infof("read %s: guarding read", r.oid)
		r.state = readGuard
	}
}

// Send submits the object read, short-circuiting to -ENOENT when the
// object map rules the object out.
func (r *ReadRequest) Send() {
	ictx := r.ictx
	log.V(2).Infof("send read %s %d~%d", r.oid, r.objectOff, r.objectLen)

	ictx.snapLock.RLock()
	if ictx.ObjectMap != nil && !ictx.ObjectMap.ObjectMayExist(r.objectNo) {
		ictx.snapLock.RUnlock()
		ictx.OpWorkQueue.Queue(r.Complete, -core.ENOENT)
		return
	}
	ictx.snapLock.RUnlock()

	op := &objstore.ReadOp{}
	if r.sparse {
		op.SparseRead(r.objectOff, r.objectLen, &r.extMap, &r.readData)
	} else {
		op.Read(r.objectOff, r.objectLen, &r.readData)
	}
	op.SetOpFlags(r.opFlags)

	if rc := ictx.Store.AioOperateRead(r.oid, r.Complete, op, r.snapID, ictx.readFlags(r.snapID)); rc != 0 {
		log.Fatalf("read %s: submission failed: %s", r.oid, core.StrError(rc))
	}
}

func (r *ReadRequest) shouldComplete(res int) bool {
	log.V(2).Infof("should_complete read %s %d~%d: r = %s", r.oid, r.objectOff, r.objectLen, core.StrError(res))

	finished := true
	switch r.state {
	case readGuard:
		if !r.triedParent && res == -core.ENOENT {
			finished = r.tryParentFallback()
		}
	case readCopyup:
		if !r.triedParent {
			log.Fatalf("read %s: copyup state without parent read", r.oid)
		}
		// Any data from the parent is worth materializing locally; the
		// copyup runs on its own and the read completes now.
		if res > 0 {
			r.sendCopyup()
		}
	case readFlat:
		// Data is in readData.
	default:
		log.Fatalf("read %s: invalid request state: %d", r.oid, r.state)
	}
	return finished
}

// tryParentFallback recomputes the parent view after the object read came
// back -ENOENT, and issues the parent read if anything remains. Returns
// whether the request is finished instead.
func (r *ReadRequest) tryParentFallback() bool {
	ictx := r.ictx
	ictx.snapLock.RLock()
	defer ictx.snapLock.RUnlock()
	ictx.parentLock.RLock()
	defer ictx.parentLock.RUnlock()

	if ictx.Parent == nil {
		log.V(2).Infof("read %s: parent is gone; do nothing", r.oid)
		r.state = readFlat
		return false
	}

	parentExtents := ictx.extentToFile(r.objectNo, r.objectOff, r.objectLen)
	var objectOverlap uint64
	overlap, rc := ictx.GetParentOverlap(r.snapID)
	if rc == 0 {
		parentExtents, objectOverlap = pruneParentExtents(parentExtents, overlap)
	}
	if objectOverlap == 0 {
		// Nothing visible in the parent; finish with the original -ENOENT.
		return true
	}

	r.triedParent = true
	if isCopyOnRead(ictx, r.snapID) {
		r.state = readCopyup
	}
	r.readFromParent(parentExtents)
	return false
}

// readFromParent issues the image-level parent read; its completion
// re-enters the automaton.
func (r *ReadRequest) readFromParent(parentExtents []core.Extent) {
	metricParentReads.Inc()
	log.V(2).Infof("read %s: reading %v from parent", r.oid, parentExtents)
	r.ictx.Parent.AioRead(parentExtents, &r.readData, r.Complete)
}

// sendCopyup starts (or joins) the fire-and-forget copy-on-read job. No
// waiter is attached: the read completes to its caller without waiting for
// the job, and a failing copyup notifies nobody.
func (r *ReadRequest) sendCopyup() {
	ictx := r.ictx

	ictx.snapLock.RLock()
	ictx.parentLock.RLock()
	if !r.computeParentExtents() ||
		(ictx.Lock != nil && !ictx.Lock.IsLockOwner()) {
		ictx.parentLock.RUnlock()
		ictx.snapLock.RUnlock()
		return
	}
	extents := r.parentExtents
	r.parentExtents = nil
	ictx.parentLock.RUnlock()
	ictx.snapLock.RUnlock()

	ictx.startOrAttachCopyup(r.objectNo, r.oid, extents, nil)
}

// Data returns the bytes produced by the read.
func (r *ReadRequest) Data() []byte {
	return r.readData
}

// ExtentMap returns the data extents reported by a sparse read.
func (r *ReadRequest) ExtentMap() map[uint64]uint64 {
	return r.extMap
}
