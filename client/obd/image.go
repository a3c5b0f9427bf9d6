// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/obd/internal/core"
)

// Image is the minimal image-level surface over the object request engine:
// it splits image extents into per-object requests and merges their
// completions. Parent reads enter the engine through it, and it is what a
// frontend drives.
type Image struct {
	ictx *ImageCtx
}

// NewImage wraps an image context.
func NewImage(ictx *ImageCtx) *Image {
	return &Image{ictx: ictx}
}

// Ctx returns the underlying image context.
func (i *Image) Ctx() *ImageCtx {
	return i.ictx
}

// aggregator merges per-object completions into one status: the first
// negative non-ENOENT status wins, otherwise the full requested length.
// ENOENT holes read as zeros.
type aggregator struct {
	lock      sync.Mutex
	remaining int
	firstErr  int
	total     int
	cb        Completion
	done      func()
}

func (a *aggregator) complete(r int) {
	a.lock.Lock()
	if r < 0 && r != -core.ENOENT && a.firstErr == 0 {
		a.firstErr = r
	}
	a.remaining--
	finished := a.remaining == 0
	a.lock.Unlock()

	if finished {
		if a.done != nil {
			a.done()
		}
		if a.firstErr != 0 {
			a.cb(a.firstErr)
		} else {
			a.cb(a.total)
		}
	}
}

// AioRead reads the given image extents into *data, one object request per
// affected object. Holes (nonexistent objects past their parent overlap)
// read as zeros; the status is the total requested length.
func (i *Image) AioRead(extents []core.Extent, data *[]byte, cb Completion) {
	ictx := i.ictx

	var chunks []objectExtent
	var bufOff uint64
	for _, e := range extents {
		chunks = append(chunks, ictx.fileToExtents(e.Offset, e.Length, bufOff)...)
		bufOff += e.Length
	}
	if len(chunks) == 0 {
		*data = nil
		ictx.OpWorkQueue.Queue(cb, 0)
		return
	}

	buf := make([]byte, bufOff)
	snapID := core.NoSnap

	agg := &aggregator{remaining: len(chunks), total: int(bufOff), cb: cb}
	agg.done = func() { *data = buf }

	reqs := make([]*ReadRequest, len(chunks))
	for n, chunk := range chunks {
		chunk := chunk
		var req *ReadRequest
		completion := func(r int) {
			if r > 0 {
				copy(buf[chunk.bufOff:chunk.bufOff+chunk.length], req.Data())
			}
			agg.complete(r)
		}
		req = NewReadRequest(ictx, ictx.ObjectName(chunk.objectNo), chunk.objectNo,
			chunk.off, chunk.length, snapID, false, completion, 0)
		reqs[n] = req
	}
	for _, req := range reqs {
		req.Send()
	}
}

// AioWrite writes data at an image offset, one object request per affected
// object. The status is the number of bytes written, or the first error.
func (i *Image) AioWrite(off uint64, data []byte, cb Completion) {
	ictx := i.ictx
	if ictx.ReadOnly {
		ictx.OpWorkQueue.Queue(cb, -core.EROFS)
		return
	}

	chunks := ictx.fileToExtents(off, uint64(len(data)), 0)
	if len(chunks) == 0 {
		ictx.OpWorkQueue.Queue(cb, 0)
		return
	}
	log.V(1).Infof("write image %s %d~%d across %d objects", ictx.Name, off, len(data), len(chunks))

	snapc := ictx.SnapContext()
	agg := &aggregator{remaining: len(chunks), total: len(data), cb: cb}
	reqs := make([]*WriteRequest, len(chunks))
	for n, chunk := range chunks {
		reqs[n] = NewWriteRequest(ictx, ictx.ObjectName(chunk.objectNo), chunk.objectNo,
			chunk.off, data[chunk.bufOff:chunk.bufOff+chunk.length], snapc, agg.complete, 0)
	}
	for _, req := range reqs {
		req.Send()
	}
}

// AioZero zeroes an image range. The status is the number of bytes zeroed,
// or the first error.
func (i *Image) AioZero(off, length uint64, cb Completion) {
	ictx := i.ictx
	if ictx.ReadOnly {
		ictx.OpWorkQueue.Queue(cb, -core.EROFS)
		return
	}

	chunks := ictx.fileToExtents(off, length, 0)
	if len(chunks) == 0 {
		ictx.OpWorkQueue.Queue(cb, 0)
		return
	}
	log.V(1).Infof("zero image %s %d~%d across %d objects", ictx.Name, off, length, len(chunks))

	snapc := ictx.SnapContext()
	agg := &aggregator{remaining: len(chunks), total: int(length), cb: cb}
	reqs := make([]*ZeroRequest, len(chunks))
	for n, chunk := range chunks {
		reqs[n] = NewZeroRequest(ictx, ictx.ObjectName(chunk.objectNo), chunk.objectNo,
			chunk.off, chunk.length, snapc, agg.complete)
	}
	for _, req := range reqs {
		req.Send()
	}
}
