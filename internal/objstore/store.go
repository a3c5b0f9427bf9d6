// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package objstore defines the surface of the backing object store consumed
// by the request engine: operation builders and an asynchronous submit
// interface. A production implementation fronts a networked store and is
// expected to retry transport errors internally; the in-memory
// implementation here backs tests and the CLI.
package objstore

import "github.com/westerndigitalcorporation/obd/internal/core"

// Store submits object operations asynchronously. A zero return means the
// operation was accepted and the completion will be invoked exactly once,
// from a store-owned goroutine. A nonzero return is a submission failure
// and the completion will never run; the engine treats that as a
// programming error.
//
// A Store must never invoke the completion on the submitting goroutine:
// callers may hold image locks across submission.
type Store interface {
	// AioOperate submits a write batch against oid with the given snapshot
	// context.
	AioOperate(oid string, cb Completion, op *WriteOp, snapc core.SnapContext) int

	// AioOperateRead submits a read against the object revision visible at
	// snapID (core.NoSnap for the head).
	AioOperateRead(oid string, cb Completion, op *ReadOp, snapID core.SnapID, flags OpFlags) int
}
