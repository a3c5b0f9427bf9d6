// Copyright (c) 2019 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package obd

import "sync"

type workItem struct {
	cb Completion
	r  int
}

// WorkQueue runs deferred completions on a small pool of worker goroutines.
// The engine uses it wherever a stage finishes without touching the store,
// so a completion never runs on the goroutine that submitted the request.
type WorkQueue struct {
	ch chan workItem
	wg sync.WaitGroup
}

// NewWorkQueue starts a queue with the given number of workers.
func NewWorkQueue(workers int) *WorkQueue {
	q := &WorkQueue{ch: make(chan workItem, 128)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer q.wg.Done()
			for item := range q.ch {
				item.cb(item.r)
			}
		}()
	}
	return q
}

// Queue schedules cb(r) on a worker goroutine.
func (q *WorkQueue) Queue(cb Completion, r int) {
	q.ch <- workItem{cb, r}
}

// Stop drains queued work and stops the workers.
func (q *WorkQueue) Stop() {
	close(q.ch)
	q.wg.Wait()
}
