// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objstore

import (
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/obd/internal/core"
)

// A TraceEntry describes one step of a submitted operation (but not the
// bulk data).
type TraceEntry struct {
	Oid    string
	Write  bool
	Op     string
	Off    uint64
	Length uint64
}

// A TraceFunc is called for each step executed by a MemStore so tests can
// log submissions and inject errors. A nonzero return fails the containing
// batch with that status.
type TraceFunc func(TraceEntry) int

// MemStore simulates an object store in memory. Snapshot views are not
// modeled: reads always observe the head revision, and RemoveWithSnaps
// behaves like Remove. Completions are delivered from a per-operation
// goroutine, matching the completion-thread contract of a real store.
type MemStore struct {
	lock    sync.Mutex
	objects map[string][]byte
	trace   TraceFunc
	pending sync.WaitGroup
}

// NewMemStore creates a MemStore. The trace function may be nil.
func NewMemStore(trace TraceFunc) *MemStore {
	if trace == nil {
		trace = func(TraceEntry) int { return 0 }
	}
	return &MemStore{
		objects: make(map[string][]byte),
		trace:   trace,
	}
}

// AioOperate executes the write batch against the in-memory object and
// delivers the resulting status asynchronously.
func (s *MemStore) AioOperate(oid string, cb Completion, op *WriteOp, snapc core.SnapContext) int {
	if op.Len() == 0 {
		return -core.EINVAL
	}
	steps := append([]writeStep(nil), op.steps...)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		cb(s.runWrite(oid, steps))
	}()
	return 0
}

// AioOperateRead executes the read and delivers the byte count (or negated
// errno) asynchronously.
func (s *MemStore) AioOperateRead(oid string, cb Completion, op *ReadOp, snapID core.SnapID, flags OpFlags) int {
	if op.data == nil {
		return -core.EINVAL
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		cb(s.runRead(oid, op))
	}()
	return 0
}

// Wait blocks until all accepted operations have delivered their
// completions.
func (s *MemStore) Wait() {
	s.pending.Wait()
}

// Exists reports whether the object is present.
func (s *MemStore) Exists(oid string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.objects[oid]
	return ok
}

// ObjectData returns a copy of the object contents, or nil if the object
// does not exist.
func (s *MemStore) ObjectData(oid string) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	data, ok := s.objects[oid]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// Objects returns the names of all present objects, sorted.
func (s *MemStore) Objects() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	oids := make([]string, 0, len(s.objects))
	for oid := range s.objects {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	return oids
}

// Put installs object contents directly, bypassing the operation path.
func (s *MemStore) Put(oid string, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects[oid] = append([]byte(nil), data...)
}

func (s *MemStore) runWrite(oid string, steps []writeStep) (r int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// A failing step undoes the steps already applied by this batch.
	orig, existed := s.objects[oid]
	orig = append([]byte(nil), orig...)
	defer func() {
		if r == 0 {
			return
		}
		if existed {
			s.objects[oid] = orig
		} else {
			delete(s.objects, oid)
		}
	}()

	for _, step := range steps {
		entry := TraceEntry{Oid: oid, Write: true, Op: step.kind.String(), Off: step.off, Length: step.length}
		if r := s.trace(entry); r != 0 {
			return r
		}

		data, exists := s.objects[oid]
		switch step.kind {
		case stepAssertExists:
			if !exists {
				return -core.ENOENT
			}
		case stepSetAllocHint:
			// Advisory only.
		case stepWrite:
			if uint64(len(data)) < step.off+step.length {
				data = append(data, make([]byte, step.off+step.length-uint64(len(data)))...)
			}
			copy(data[step.off:], step.data)
			s.objects[oid] = data
		case stepWriteFull:
			s.objects[oid] = append([]byte(nil), step.data...)
		case stepZero:
			if uint64(len(data)) < step.off+step.length {
				data = append(data, make([]byte, step.off+step.length-uint64(len(data)))...)
			}
			for i := step.off; i < step.off+step.length; i++ {
				data[i] = 0
			}
			s.objects[oid] = data
		case stepTruncate:
			if uint64(len(data)) > step.off {
				data = data[:step.off]
			} else {
				data = append(data, make([]byte, step.off-uint64(len(data)))...)
			}
			s.objects[oid] = data
		case stepRemove, stepRemoveWithSnaps:
			if !exists {
				return -core.ENOENT
			}
			delete(s.objects, oid)
		}
	}
	return 0
}

func (s *MemStore) runRead(oid string, op *ReadOp) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry := TraceEntry{Oid: oid, Op: "read", Off: op.off, Length: op.length}
	if op.sparse {
		entry.Op = "sparse_read"
	}
	if r := s.trace(entry); r != 0 {
		return r
	}

	data, exists := s.objects[oid]
	if !exists {
		return -core.ENOENT
	}
	if op.off >= uint64(len(data)) {
		*op.data = nil
		return 0
	}
	end := op.off + op.length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	*op.data = append([]byte(nil), data[op.off:end]...)
	n := int(end - op.off)
	if op.extMap != nil {
		m := make(map[uint64]uint64)
		if n > 0 {
			m[op.off] = uint64(n)
		}
		*op.extMap = m
	}
	return n
}
