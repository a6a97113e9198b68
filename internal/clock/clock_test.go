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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	f.Schedule(2*time.Second, func() { fired = append(fired, "b") })
	f.Schedule(1*time.Second, func() { fired = append(fired, "a") })
	f.Schedule(10*time.Second, func() { fired = append(fired, "c") })

	f.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)

	f.Advance(10 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestFakeCancel(t *testing.T) {
	f := NewFake(time.Now())

	fired := false
	id := f.Schedule(time.Second, func() { fired = true })
	f.Cancel(id)

	f.Advance(time.Minute)
	assert.False(t, fired)

	// Unknown ids are ignored.
	f.Cancel(999)
}

func TestFakeStopDropsAll(t *testing.T) {
	f := NewFake(time.Now())

	count := 0
	f.Schedule(time.Second, func() { count++ })
	f.Schedule(2*time.Second, func() { count++ })
	f.Stop()

	f.Advance(time.Minute)
	assert.Zero(t, count)
}

func TestRealScheduleAndCancel(t *testing.T) {
	r := NewReal()
	defer r.Stop()

	done := make(chan struct{})
	r.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	id := r.Schedule(time.Hour, func() { t.Error("cancelled timer fired") })
	r.Cancel(id)
}
