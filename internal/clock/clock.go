// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clock abstracts time so sleeps, retry delays, cron fires, and
// pause expiries can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and deferred callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Schedule invokes fn after d elapses. The returned id cancels the
	// callback via Cancel.
	Schedule(d time.Duration, fn func()) (id uint64)

	// Cancel stops a scheduled callback. Cancelling an already-fired or
	// unknown id is a no-op.
	Cancel(id uint64)

	// Stop cancels all outstanding callbacks.
	Stop()
}

// Real is a Clock backed by the runtime timer wheel.
type Real struct {
	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*time.Timer
}

// NewReal returns a wall-clock Clock.
func NewReal() *Real {
	return &Real{timers: make(map[uint64]*time.Timer)}
}

func (r *Real) Now() time.Time {
	return time.Now()
}

func (r *Real) Schedule(d time.Duration, fn func()) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.timers[id] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		fn()
	})
	return id
}

func (r *Real) Cancel(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Real) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending map[uint64]fakeTimer
}

type fakeTimer struct {
	at time.Time
	fn func()
}

// NewFake returns a Fake pinned at the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now, pending: make(map[uint64]fakeTimer)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Schedule(d time.Duration, fn func()) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.pending[id] = fakeTimer{at: f.now.Add(d), fn: fn}
	return id
}

func (f *Fake) Cancel(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, id)
}

func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = make(map[uint64]fakeTimer)
}

// Advance moves the fake time forward, firing due callbacks in order.
// Callbacks run synchronously on the calling goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()

	for {
		fn := f.popDue()
		if fn == nil {
			return
		}
		fn()
	}
}

// popDue removes and returns the earliest due callback, or nil.
func (f *Fake) popDue() func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	var bestID uint64
	var best *fakeTimer
	for id, t := range f.pending {
		if t.at.After(f.now) {
			continue
		}
		if best == nil || t.at.Before(best.at) {
			tc := t
			best = &tc
			bestID = id
		}
	}
	if best == nil {
		return nil
	}
	delete(f.pending, bestID)
	return best.fn
}
