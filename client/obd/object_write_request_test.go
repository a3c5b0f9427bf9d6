// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import (
	"bytes"
	"testing"

	"github.com/westerndigitalcorporation/obd/internal/core"
	"github.com/westerndigitalcorporation/obd/internal/objstore"
)

func TestWriteFlat(t *testing.T) {
	e := newTestEnv(t)
	oid := e.ictx.ObjectName(0)
	data := []byte("some bytes")

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 100, data, core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}
	got := e.store.ObjectData(oid)
	if uint64(len(got)) != 100+uint64(len(data)) || !bytes.Equal(got[100:], data) {
		t.Errorf("object contents wrong after write")
	}
	// No parent: nothing to guard.
	e.trace.checkAbsence(t, "assert_exists")
}

func TestWriteFullObjectNoParentSkipsGuard(t *testing.T) {
	e := newTestEnv(t)
	oid := e.ictx.ObjectName(0)
	data := bytes.Repeat([]byte{7}, testObjectSize)

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 0, data, core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}
	if n := e.trace.count("write_full"); n != 1 {
		t.Errorf("expected 1 write_full, got %d", n)
	}
	e.trace.checkAbsence(t, "assert_exists")
}

func TestWriteAllocHint(t *testing.T) {
	e := newTestEnv(t)
	e.ictx.EnableAllocHint = true
	oid := e.ictx.ObjectName(0)

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 0, []byte("x"), core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}
	if n := e.trace.count("set_alloc_hint"); n != 1 {
		t.Errorf("expected 1 set_alloc_hint, got %d", n)
	}
}

func TestWriteWithParentCopyup(t *testing.T) {
	e := newTestEnv(t)
	parent := e.withParent(65536)
	m := e.withObjectMap(16)

	const objectNo = 5
	oid := e.ictx.ObjectName(objectNo)
	data := bytes.Repeat([]byte{0xee}, 1024)

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, objectNo, 1024, data, core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}

	// The copyup carried the write: full parent copy with the mutation
	// applied on top, in one batch.
	want := append([]byte(nil), parent.data[objectNo*testObjectSize:(objectNo+1)*testObjectSize]...)
	copy(want[1024:], data)
	if got := e.store.ObjectData(oid); !bytes.Equal(got, want) {
		t.Errorf("object contents wrong after copyup write")
	}
	if n := e.trace.count("write_full"); n != 1 {
		t.Errorf("expected 1 write_full, got %d", n)
	}
	// The map ruled the object out, so the automaton went straight to the
	// copyup without a guarded submission.
	e.trace.checkAbsence(t, "assert_exists")
	if parent.readCount() != 1 {
		t.Errorf("expected 1 parent read, got %d", parent.readCount())
	}
	if e.copyupJobs() != 0 {
		t.Errorf("copyup job left in registry")
	}
	if st := m.State(objectNo); st != core.ObjectExists {
		t.Errorf("object map state %s, want exists", st)
	}
}

func TestWriteStaleMapGuardCopyup(t *testing.T) {
	e := newTestEnv(t)
	parent := e.withParent(65536)
	m := e.withObjectMap(16)
	// The map believes the object exists but the store disagrees: the
	// guarded write observes -ENOENT and falls into the copyup path.
	seedObjectState(t, e, 0, core.ObjectExists)

	oid := e.ictx.ObjectName(0)
	data := []byte("mutation")

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 64, data, core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}
	if n := e.trace.count("assert_exists"); n != 1 {
		t.Errorf("expected 1 assert_exists, got %d", n)
	}
	want := append([]byte(nil), parent.data[:testObjectSize]...)
	copy(want[64:], data)
	if got := e.store.ObjectData(oid); !bytes.Equal(got, want) {
		t.Errorf("object contents wrong after guarded copyup")
	}
	if st := m.State(0); st != core.ObjectExists {
		t.Errorf("object map state %s, want exists", st)
	}
}

func TestWriteGuardParentVanished(t *testing.T) {
	e := newTestEnv(t)
	e.withParent(65536)
	e.withObjectMap(16)

	oid := e.ictx.ObjectName(0)
	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 0, []byte("data"), core.SnapContext{}, cb, 0)
	// Parent disappears after the request computed its extents; the guard
	// recheck finds overlap 0 and resends the write unguarded.
	e.ictx.SetParent(nil, 0)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("write status %s, want 0", core.StrError(r))
	}
	// The guard recheck found no parent and resent the write unguarded.
	e.trace.checkAbsence(t, "assert_exists")
	if !e.store.Exists(oid) {
		t.Errorf("object not created")
	}
}

func TestZero(t *testing.T) {
	e := newTestEnv(t)
	oid := e.ictx.ObjectName(0)
	e.store.Put(oid, bytes.Repeat([]byte{0xff}, 2048))

	cb, wait := newCompletion(t)
	req := NewZeroRequest(e.ictx, oid, 0, 512, 1024, core.SnapContext{}, cb)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("zero status %s, want 0", core.StrError(r))
	}
	got := e.store.ObjectData(oid)
	for i := 512; i < 1536; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	if got[0] != 0xff || got[2047] != 0xff {
		t.Errorf("bytes outside the range were touched")
	}
}

func TestTruncateNonexistentOrphan(t *testing.T) {
	e := newTestEnv(t)
	m := e.withObjectMap(16)

	const objectNo = 9
	cb, wait := newCompletion(t)
	req := NewTruncateRequest(e.ictx, e.ictx.ObjectName(objectNo), objectNo, 0, core.SnapContext{}, cb)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("truncate status %s, want 0", core.StrError(r))
	}
	// Nothing to truncate and no parent: no store submission at all.
	if len(e.store.Objects()) != 0 {
		t.Errorf("store objects created by orphan truncate")
	}
	e.trace.checkAbsence(t, "truncate")
	waitFor(t, "object map settles nonexistent", func() bool {
		return m.State(objectNo) == core.ObjectNonexistent
	})
}

func TestTruncateExisting(t *testing.T) {
	e := newTestEnv(t)
	oid := e.ictx.ObjectName(0)
	e.store.Put(oid, bytes.Repeat([]byte{1}, 2048))

	cb, wait := newCompletion(t)
	req := NewTruncateRequest(e.ictx, oid, 0, 512, core.SnapContext{}, cb)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("truncate status %s, want 0", core.StrError(r))
	}
	if got := e.store.ObjectData(oid); len(got) != 512 {
		t.Errorf("object length %d after truncate, want 512", len(got))
	}
}

func TestRemove(t *testing.T) {
	e := newTestEnv(t)
	m := e.withObjectMap(16)
	oid := e.ictx.ObjectName(0)
	e.store.Put(oid, []byte("doomed"))
	seedObjectState(t, e, 0, core.ObjectExists)

	cb, wait := newCompletion(t)
	req := NewRemoveRequest(e.ictx, oid, 0, core.SnapContext{}, cb)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("remove status %s, want 0", core.StrError(r))
	}
	if e.store.Exists(oid) {
		t.Errorf("object still present after remove")
	}
	if n := e.trace.count("remove"); n != 1 {
		t.Errorf("expected 1 remove, got %d", n)
	}
	waitFor(t, "object map settles nonexistent", func() bool {
		return m.State(0) == core.ObjectNonexistent
	})
}

func TestRemoveWithSnapshots(t *testing.T) {
	e := newTestEnv(t)
	oid := e.ictx.ObjectName(0)
	e.store.Put(oid, []byte("snapshotted"))
	e.ictx.AddSnapshot(4, 0)

	cb, wait := newCompletion(t)
	req := NewRemoveRequest(e.ictx, oid, 0, e.ictx.SnapContext(), cb)
	req.Send()

	if r := wait(); r != 0 {
		t.Fatalf("remove status %s, want 0", core.StrError(r))
	}
	if n := e.trace.count("remove_with_snaps"); n != 1 {
		t.Errorf("expected 1 remove_with_snaps, got %d", n)
	}
}

func TestRemoveMissingHidesENOENT(t *testing.T) {
	e := newTestEnv(t)

	cb, wait := newCompletion(t)
	req := NewRemoveRequest(e.ictx, e.ictx.ObjectName(2), 2, core.SnapContext{}, cb)
	req.Send()

	// hide_enoent rewrites the terminal -ENOENT to success.
	if r := wait(); r != 0 {
		t.Fatalf("remove status %s, want 0", core.StrError(r))
	}
}

func TestWriteErrorPropagates(t *testing.T) {
	e := newTestEnv(t)
	e.trace.inject = func(entry objstore.TraceEntry) int {
		if entry.Op == "write" {
			return -core.EIO
		}
		return 0
	}

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, e.ictx.ObjectName(0), 0, 0, []byte("x"), core.SnapContext{}, cb, 0)
	req.Send()

	if r := wait(); r != -core.EIO {
		t.Fatalf("write status %s, want -EIO", core.StrError(r))
	}
}

func TestGuardedWriteErrorPropagates(t *testing.T) {
	e := newTestEnv(t)
	e.withParent(65536)
	oid := e.ictx.ObjectName(0)
	e.store.Put(oid, bytes.Repeat([]byte{3}, testObjectSize))
	e.trace.inject = func(entry objstore.TraceEntry) int {
		if entry.Op == "write" {
			return -core.EIO
		}
		return 0
	}

	cb, wait := newCompletion(t)
	req := NewWriteRequest(e.ictx, oid, 0, 16, []byte("x"), core.SnapContext{}, cb, 0)
	req.Send()

	// The guard state passes non-ENOENT errors through the error state.
	if r := wait(); r != -core.EIO {
		t.Fatalf("write status %s, want -EIO", core.StrError(r))
	}
}
