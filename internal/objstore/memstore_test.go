// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objstore

import (
	"bytes"
	"testing"

	"github.com/westerndigitalcorporation/obd/internal/core"
)

func operate(t *testing.T, s *MemStore, oid string, op *WriteOp) int {
	ch := make(chan int, 1)
	if r := s.AioOperate(oid, func(r int) { ch <- r }, op, core.SnapContext{}); r != 0 {
		t.Fatalf("submission failed: %d", r)
	}
	return <-ch
}

func read(t *testing.T, s *MemStore, oid string, off, length uint64) ([]byte, int) {
	var data []byte
	op := &ReadOp{}
	op.Read(off, length, &data)
	ch := make(chan int, 1)
	if r := s.AioOperateRead(oid, func(r int) { ch <- r }, op, core.NoSnap, 0); r != 0 {
		t.Fatalf("submission failed: %d", r)
	}
	return data, <-ch
}

func TestWriteExtendsObject(t *testing.T) {
	s := NewMemStore(nil)
	op := &WriteOp{}
	op.Write(100, []byte("hello"))
	if r := operate(t, s, "o", op); r != 0 {
		t.Fatalf("write status %d", r)
	}
	data, r := read(t, s, "o", 0, 200)
	if r != 105 {
		t.Fatalf("read status %d, want 105", r)
	}
	if !bytes.Equal(data[100:], []byte("hello")) {
		t.Errorf("data mismatch")
	}
}

func TestAssertExistsFailsBatch(t *testing.T) {
	s := NewMemStore(nil)
	op := &WriteOp{}
	op.AssertExists()
	op.Write(0, []byte("x"))
	if r := operate(t, s, "missing", op); r != -core.ENOENT {
		t.Fatalf("status %d, want -ENOENT", r)
	}
	// The failed precondition aborted the batch.
	if s.Exists("missing") {
		t.Errorf("object created despite failed assert_exists")
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	s := NewMemStore(nil)
	if r := s.AioOperate("o", func(int) {}, &WriteOp{}, core.SnapContext{}); r != -core.EINVAL {
		t.Fatalf("status %d, want -EINVAL", r)
	}
}

func TestTruncateAndRemove(t *testing.T) {
	s := NewMemStore(nil)
	s.Put("o", bytes.Repeat([]byte{1}, 100))

	op := &WriteOp{}
	op.Truncate(10)
	if r := operate(t, s, "o", op); r != 0 {
		t.Fatalf("truncate status %d", r)
	}
	if len(s.ObjectData("o")) != 10 {
		t.Errorf("length %d after truncate", len(s.ObjectData("o")))
	}

	op = &WriteOp{}
	op.Remove()
	if r := operate(t, s, "o", op); r != 0 {
		t.Fatalf("remove status %d", r)
	}
	if s.Exists("o") {
		t.Errorf("object present after remove")
	}

	op = &WriteOp{}
	op.Remove()
	if r := operate(t, s, "o", op); r != -core.ENOENT {
		t.Fatalf("second remove status %d, want -ENOENT", r)
	}
}

func TestReadMissingAndShort(t *testing.T) {
	s := NewMemStore(nil)
	if _, r := read(t, s, "nope", 0, 10); r != -core.ENOENT {
		t.Fatalf("status %d, want -ENOENT", r)
	}

	s.Put("o", []byte("abcdef"))
	data, r := read(t, s, "o", 4, 10)
	if r != 2 || !bytes.Equal(data, []byte("ef")) {
		t.Fatalf("short read got %q status %d", data, r)
	}
	if _, r = read(t, s, "o", 100, 10); r != 0 {
		t.Fatalf("past-end read status %d, want 0", r)
	}
}

func TestSparseReadExtentMap(t *testing.T) {
	s := NewMemStore(nil)
	s.Put("o", bytes.Repeat([]byte{2}, 64))

	var data []byte
	var ext map[uint64]uint64
	op := &ReadOp{}
	op.SparseRead(0, 64, &ext, &data)
	ch := make(chan int, 1)
	if r := s.AioOperateRead("o", func(r int) { ch <- r }, op, core.NoSnap, 0); r != 0 {
		t.Fatalf("submission failed: %d", r)
	}
	if r := <-ch; r != 64 {
		t.Fatalf("status %d, want 64", r)
	}
	if len(ext) != 1 || ext[0] != 64 {
		t.Errorf("extent map %v", ext)
	}
}

func TestTraceInjection(t *testing.T) {
	s := NewMemStore(func(e TraceEntry) int {
		if e.Op == "zero" {
			return -core.EIO
		}
		return 0
	})
	s.Put("o", bytes.Repeat([]byte{3}, 16))

	op := &WriteOp{}
	op.Write(0, []byte{4})
	op.Zero(0, 8)
	if r := operate(t, s, "o", op); r != -core.EIO {
		t.Fatalf("status %d, want injected -EIO", r)
	}
}
