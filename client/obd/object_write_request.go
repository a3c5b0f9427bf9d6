// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

type writeState int

const (
	writeFlat writeState = iota
	writePre
	writeGuard
	writeCopyup
	writePost
	writeError
)

// writeHooks is the variant surface of the write-family automaton. The
// shared automaton always dispatches through it, never through its own
// defaults directly, so a variant override is seen from every stage.
type writeHooks interface {
	writeType() string

	// addWriteOps appends the variant's mutations to the batch.
	addWriteOps(op *objstore.WriteOp)

	// preObjectMapUpdate returns the object map state to propose before
	// the write.
	preObjectMapUpdate() core.ObjectState

	// postObjectMapUpdate reports whether the variant wants the object
	// marked nonexistent after the write.
	postObjectMapUpdate() bool

	// guardWrite may inject an existence precondition into the batch.
	guardWrite()

	sendWrite()
}

// abstractWrite drives write, zero, truncate and remove requests through
// the shared states: an optional object map pre-update, the (possibly
// guarded) write, parent copyup on -ENOENT, and an optional post-update.
type abstractWrite struct {
	objectRequest
	hooks writeHooks

	state       writeState
	snapSeq     uint64
	snaps       []core.SnapID
	objectExist bool

	op objstore.WriteOp
}

func newAbstractWrite(ictx *ImageCtx, oid string, objectNo, off, length uint64,
	snapc core.SnapContext, completion Completion, hideENOENT bool, op string) abstractWrite {
	return abstractWrite{
		objectRequest: newObjectRequest(ictx, oid, objectNo, off, length, core.NoSnap, completion, hideENOENT, op),
		state:         writeFlat,
		snapSeq:       snapc.Seq,
		snaps:         append([]core.SnapID(nil), snapc.Snaps...),
	}
}

// Send starts the automaton at the object map pre-update gate.
func (w *abstractWrite) Send() {
	log.V(2).Infof("send %s %s %d~%d", w.hooks.writeType(), w.oid, w.objectOff, w.objectLen)
	w.sendPre()
}

func (w *abstractWrite) shouldComplete(r int) bool {
	log.V(2).Infof("%s %s %d~%d should_complete: r = %s",
		w.hooks.writeType(), w.oid, w.objectOff, w.objectLen, core.StrError(r))

	finished := true
	switch w.state {
	case writePre:
		if r < 0 {
			return true
		}
		w.hooks.sendWrite()
		finished = false

	case writePost:
		finished = true

	case writeGuard:
		if r == -core.ENOENT {
			w.handleWriteGuard()
			finished = false
			break
		} else if r < 0 {
			// Pass the error to the completion sink.
			w.state = writeError
			w.Complete(r)
			finished = false
			break
		}
		finished = w.sendPost()

	case writeCopyup:
		if r < 0 {
			w.state = writeError
			w.Complete(r)
			finished = false
		} else {
			finished = w.sendPost()
		}

	case writeFlat:
		finished = w.sendPost()

	case writeError:
		if r >= 0 {
			log.Fatalf("%s %s: error state with status %d", w.hooks.writeType(), w.oid, r)
		}
		log.Errorf("%s %s: %s", w.hooks.writeType(), w.oid, core.StrError(r))

	default:
		log.Fatalf("%s %s: invalid request state: %d", w.hooks.writeType(), w.oid, w.state)
	}

	return finished
}

// sendPre runs the object map pre-write gate. When no map update is
// required the write is sent directly.
func (w *abstractWrite) sendPre() {
	ictx := w.ictx
	write := false

	func() {
		ictx.snapLock.RLock()
		defer ictx.snapLock.RUnlock()
		if ictx.ObjectMap == nil {
			w.objectExist = true
			write = true
			return
		}

		// The map is only mutated while the exclusive lock is held.
		if ictx.Lock == nil || !ictx.Lock.IsLockOwner() {
			log.Fatalf("%s %s: object map update without exclusive lock ownership", w.hooks.writeType(), w.oid)
		}
		w.objectExist = ictx.ObjectMap.ObjectMayExist(w.objectNo)

		newState := w.hooks.preObjectMapUpdate()

		ictx.objectMapLock.Lock()
		defer ictx.objectMapLock.Unlock()
		if ictx.ObjectMap.UpdateRequired(w.objectNo, newState) {
			log.V(2).Infof("send_pre %s %d~%d: new state %s", w.oid, w.objectOff, w.objectLen, newState)
			w.state = writePre
			metricObjectMapUpdates.Inc()
			if !ictx.ObjectMap.AioUpdate(w.objectNo, newState, nil, w.Complete) {
				log.Fatalf("%s %s: object map update submission refused", w.hooks.writeType(), w.oid)
			}
		} else {
			write = true
		}
	}()

	// Send outside the locks held above.
	if write {
		w.hooks.sendWrite()
	}
}

// sendPost runs the object map post-write gate. Returns true when the
// request is finished without a post-update.
func (w *abstractWrite) sendPost() bool {
	ictx := w.ictx
	ictx.snapLock.RLock()
	defer ictx.snapLock.RUnlock()
	if ictx.ObjectMap == nil || !w.hooks.postObjectMapUpdate() {
		return true
	}

	if ictx.Lock == nil || !ictx.Lock.IsLockOwner() {
		log.Fatalf("%s %s: object map update without exclusive lock ownership", w.hooks.writeType(), w.oid)
	}

	ictx.objectMapLock.Lock()
	defer ictx.objectMapLock.Unlock()
	if !ictx.ObjectMap.UpdateRequired(w.objectNo, core.ObjectNonexistent) {
		return true
	}

	log.V(2).Infof("send_post %s %d~%d", w.oid, w.objectOff, w.objectLen)
	w.state = writePost
	current := core.ObjectPending
	metricObjectMapUpdates.Inc()
	if !ictx.ObjectMap.AioUpdate(w.objectNo, core.ObjectNonexistent, &current, w.Complete) {
		log.Fatalf("%s %s: object map update submission refused", w.hooks.writeType(), w.oid)
	}
	return false
}

// sendWrite is the default write dispatch: route through the guard when
// the object may be missing and a parent could hold its data.
func (w *abstractWrite) sendWrite() {
	log.V(2).Infof("send_write %s %s %d~%d object exist %v",
		w.hooks.writeType(), w.oid, w.objectOff, w.objectLen, w.objectExist)

	if !w.objectExist && w.hasParent() {
		w.state = writeGuard
		w.handleWriteGuard()
	} else {
		w.sendWriteOp(true)
	}
}

// sendWriteOp assembles and submits the write batch.
func (w *abstractWrite) sendWriteOp(writeGuard bool) {
	w.state = writeFlat
	w.op = objstore.WriteOp{}
	if writeGuard {
		w.hooks.guardWrite()
	}
	w.hooks.addWriteOps(&w.op)
	if w.op.Len() == 0 {
		log.Fatalf("%s %s: empty write operation", w.hooks.writeType(), w.oid)
	}

	snapc := core.SnapContext{Seq: w.snapSeq, Snaps: w.snaps}
	if r := w.ictx.Store.AioOperate(w.oid, w.Complete, &w.op, snapc); r != 0 {
		log.Fatalf("%s %s: submission failed: %s", w.hooks.writeType(), w.oid, core.StrError(r))
	}
}

// guardWrite is the default guard: when the request has a parent, demand
// that the object already exists so a missing object surfaces as -ENOENT
// and triggers copyup instead of being silently created.
func (w *abstractWrite) guardWrite() {
	if w.hasParent() {
		w.state = writeGuard
		w.op.AssertExists()
		log.V(2).Infof("%s %s: guarding write", w.hooks.writeType(), w.oid)
	}
}

// handleWriteGuard recomputes the parent view after a guard -ENOENT: if a
// parent remains, copy up; if it vanished, resend the write unguarded.
func (w *abstractWrite) handleWriteGuard() {
	ictx := w.ictx
	ictx.snapLock.RLock()
	ictx.parentLock.RLock()
	hasParent := w.computeParentExtents()
	ictx.parentLock.RUnlock()
	ictx.snapLock.RUnlock()

	if hasParent {
		w.sendCopyup()
	} else {
		log.V(2).Infof("%s %s: parent overlap now 0", w.hooks.writeType(), w.oid)
		w.hooks.sendWrite()
	}
}

// sendCopyup hands the request to the copyup coordinator; the job's
// terminal result re-enters the automaton in the copyup state.
func (w *abstractWrite) sendCopyup() {
	log.V(2).Infof("send_copyup %s %s %d~%d", w.hooks.writeType(), w.oid, w.objectOff, w.objectLen)
	w.state = writeCopyup

	extents := w.parentExtents
	w.parentExtents = nil
	w.ictx.startOrAttachCopyup(w.objectNo, w.oid, extents, w)
}

// appendCopyupOps bundles this request's mutations into the copyup batch.
func (w *abstractWrite) appendCopyupOps(op *objstore.WriteOp) {
	w.hooks.addWriteOps(op)
}

/** write **/

// WriteRequest writes data at an object offset.
type WriteRequest struct {
	abstractWrite
	data    []byte
	opFlags objstore.OpFlags
}

// NewWriteRequest constructs a write of data at off within the object.
func NewWriteRequest(ictx *ImageCtx, oid string, objectNo, off uint64, data []byte,
	snapc core.SnapContext, completion Completion, opFlags objstore.OpFlags) *WriteRequest {
	w := &WriteRequest{
		abstractWrite: newAbstractWrite(ictx, oid, objectNo, off, uint64(len(data)), snapc, completion, false, "write"),
		data:          data,
		opFlags:       opFlags,
	}
	w.driver = w
	w.hooks = w
	return w
}

func (w *WriteRequest) writeType() string { return "write" }

func (w *WriteRequest) preObjectMapUpdate() core.ObjectState { return core.ObjectExists }

func (w *WriteRequest) postObjectMapUpdate() bool { return false }

func (w *WriteRequest) addWriteOps(op *objstore.WriteOp) {
	ictx := w.ictx
	ictx.snapLock.RLock()
	if ictx.EnableAllocHint && (ictx.ObjectMap == nil || !w.objectExist) {
		op.SetAllocHint(ictx.ObjectSize, ictx.ObjectSize)
	}
	ictx.snapLock.RUnlock()

	if w.objectOff == 0 && w.objectLen == ictx.ObjectSize {
		op.WriteFull(w.data)
	} else {
		op.Write(w.objectOff, w.data)
	}
	op.SetOpFlags(w.opFlags)
}

// sendWrite skips the guard for full-object writes without a parent: a
// write_full creates the object unconditionally.
func (w *WriteRequest) sendWrite() {
	writeFull := w.objectOff == 0 && w.objectLen == w.ictx.ObjectSize
	log.V(2).Infof("send_write write %s %d~%d object exist %v write_full %v",
		w.oid, w.objectOff, w.objectLen, w.objectExist, writeFull)
	if writeFull && !w.hasParent() {
		w.sendWriteOp(false)
	} else {
		w.abstractWrite.sendWrite()
	}
}

/** zero **/

// ZeroRequest zeroes an object range.
type ZeroRequest struct {
	abstractWrite
}

// NewZeroRequest constructs a zero of [off, off+length) within the object.
func NewZeroRequest(ictx *ImageCtx, oid string, objectNo, off, length uint64,
	snapc core.SnapContext, completion Completion) *ZeroRequest {
	z := &ZeroRequest{
		abstractWrite: newAbstractWrite(ictx, oid, objectNo, off, length, snapc, completion, true, "zero"),
	}
	z.driver = z
	z.hooks = z
	return z
}

func (z *ZeroRequest) writeType() string { return "zero" }

func (z *ZeroRequest) preObjectMapUpdate() core.ObjectState { return core.ObjectExists }

func (z *ZeroRequest) postObjectMapUpdate() bool { return false }

func (z *ZeroRequest) addWriteOps(op *objstore.WriteOp) {
	op.Zero(z.objectOff, z.objectLen)
}

/** truncate **/

// TruncateRequest truncates an object to an offset.
type TruncateRequest struct {
	abstractWrite
}

// NewTruncateRequest constructs a truncate of the object to off.
func NewTruncateRequest(ictx *ImageCtx, oid string, objectNo, off uint64,
	snapc core.SnapContext, completion Completion) *TruncateRequest {
	t := &TruncateRequest{
		abstractWrite: newAbstractWrite(ictx, oid, objectNo, off, 0, snapc, completion, true, "truncate"),
	}
	t.driver = t
	t.hooks = t
	return t
}

func (t *TruncateRequest) writeType() string { return "truncate" }

func (t *TruncateRequest) preObjectMapUpdate() core.ObjectState {
	if t.objectOff == 0 {
		return core.ObjectPending
	}
	return core.ObjectExists
}

func (t *TruncateRequest) postObjectMapUpdate() bool { return t.objectOff == 0 }

func (t *TruncateRequest) addWriteOps(op *objstore.WriteOp) {
	op.Truncate(t.objectOff)
}

// sendWrite short-circuits a truncate of an object that neither exists nor
// has parent data: there is nothing to do.
func (t *TruncateRequest) sendWrite() {
	log.V(2).Infof("send_write truncate %s to %d", t.oid, t.objectOff)
	if !t.objectExist && !t.hasParent() {
		t.state = writeFlat
		t.ictx.OpWorkQueue.Queue(t.Complete, 0)
	} else {
		t.abstractWrite.sendWrite()
	}
}

/** remove **/

// RemoveRequest removes an object.
type RemoveRequest struct {
	abstractWrite
}

// NewRemoveRequest constructs a removal of the object.
func NewRemoveRequest(ictx *ImageCtx, oid string, objectNo uint64,
	snapc core.SnapContext, completion Completion) *RemoveRequest {
	rm := &RemoveRequest{
		abstractWrite: newAbstractWrite(ictx, oid, objectNo, 0, 0, snapc, completion, true, "remove"),
	}
	rm.driver = rm
	rm.hooks = rm
	return rm
}

func (rm *RemoveRequest) writeType() string { return "remove" }

func (rm *RemoveRequest) preObjectMapUpdate() core.ObjectState { return core.ObjectPending }

func (rm *RemoveRequest) postObjectMapUpdate() bool { return true }

func (rm *RemoveRequest) addWriteOps(op *objstore.WriteOp) {
	if len(rm.snaps) != 0 {
		op.RemoveWithSnaps(rm.snaps)
	} else {
		op.Remove()
	}
}

// guardWrite only guards when snapshots exist, so the pre-removal copy is
// preserved for them; an unsnapshotted removal needs no copyup.
func (rm *RemoveRequest) guardWrite() {
	ictx := rm.ictx
	ictx.snapLock.RLock()
	defer ictx.snapLock.RUnlock()
	if len(ictx.snaps) != 0 {
		rm.abstractWrite.guardWrite()
	}
}

// sendWrite always submits: a removal skips the default dispatch's up-front
// copyup for an object the map rules out. Only a guarded removal (see
// guardWrite) that comes back -ENOENT is copied up first.
func (rm *RemoveRequest) sendWrite() {
	log.V(2).Infof("send_write remove %s", rm.oid)
	rm.sendWriteOp(true)
}
