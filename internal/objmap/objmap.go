// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package objmap tracks which backing objects of an image may exist, so the
// request engine can skip futile reads and allocation-hint first writes.
// The map is advisory in one direction only: an object marked nonexistent
// definitely does not exist, while a marked object may or may not.
package objmap

import (
	"encoding/binary"
	"sync"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/obd/internal/core"
)

var mapBucket = []byte("object_map")

// Map holds one state entry per backing object. It may be purely in memory
// or backed by a bolt file, in which case every accepted update is
// committed before its callback fires.
type Map struct {
	lock    sync.Mutex
	states  []core.ObjectState
	db      *bolt.DB
	pending sync.WaitGroup
}

// NewMap creates an in-memory map with all entries nonexistent.
func NewMap(objectCount uint64) *Map {
	return &Map{states: make([]core.ObjectState, objectCount)}
}

// Open creates or reopens a bolt-backed map at path. Entries persisted by a
// previous session are loaded; missing entries are nonexistent.
func Open(path string, objectCount uint64) (*Map, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}
	m := &Map{states: make([]core.ObjectState, objectCount), db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(mapBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 1 {
				return nil
			}
			no := binary.BigEndian.Uint64(k)
			if no < objectCount {
				m.states[no] = core.ObjectState(v[0])
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close waits for in-flight updates and closes the backing file, if any.
func (m *Map) Close() error {
	m.pending.Wait()
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// Len returns the number of tracked objects.
func (m *Map) Len() uint64 {
	return uint64(len(m.states))
}

// State returns the recorded state of an object.
func (m *Map) State(objectNo uint64) core.ObjectState {
	m.lock.Lock()
	defer m.lock.Unlock()
	if objectNo >= uint64(len(m.states)) {
		return core.ObjectNonexistent
	}
	return m.states[objectNo]
}

// ObjectMayExist reports whether the object might exist in the store. Out
// of range entries conservatively may exist.
func (m *Map) ObjectMayExist(objectNo uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if objectNo >= uint64(len(m.states)) {
		return true
	}
	return m.states[objectNo] != core.ObjectNonexistent
}

// UpdateRequired reports whether transitioning the object to newState would
// change the recorded entry.
func (m *Map) UpdateRequired(objectNo uint64, newState core.ObjectState) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if objectNo >= uint64(len(m.states)) {
		return false
	}
	return m.states[objectNo] != newState
}

// AioUpdate submits a state transition. If current is non-nil the
// transition only applies while the entry still holds that state. Returns
// whether a transition was submitted; if so, the callback will be invoked
// exactly once from a map-owned goroutine with the commit status: 0 once
// the new state has been committed, or a negative status (-EINVAL when the
// expected state no longer holds, -EIO on a persistence failure) with the
// entry left unchanged.
func (m *Map) AioUpdate(objectNo uint64, newState core.ObjectState, current *core.ObjectState, cb func(int)) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if objectNo >= uint64(len(m.states)) {
		log.Errorf("object map update out of range: object %d >= %d", objectNo, len(m.states))
		return false
	}
	if current != nil && m.states[objectNo] != *current {
		return false
	}
	if m.states[objectNo] == newState {
		return false
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		cb(m.commit(objectNo, newState, current))
	}()
	return true
}

// Wait blocks until all submitted updates have delivered their callbacks.
func (m *Map) Wait() {
	m.pending.Wait()
}

func (m *Map) commit(objectNo uint64, newState core.ObjectState, current *core.ObjectState) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	// A conditional update applies only while the expected state still
	// holds at commit time.
	if current != nil && m.states[objectNo] != *current {
		return -core.EINVAL
	}

	if m.db != nil {
		err := m.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(mapBucket)
			if err != nil {
				return err
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], objectNo)
			return b.Put(k[:], []byte{byte(newState)})
		})
		if err != nil {
			log.Errorf("object map commit failed for object %d: %v", objectNo, err)
			return -core.EIO
		}
	}
	m.states[objectNo] = newState
	return 0
}
