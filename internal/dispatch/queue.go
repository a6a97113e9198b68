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

package dispatch

import (
	"context"
	"sync"

	"github.com/loomhq/loom/pkg/errors"
)

// ErrQueueClosed is returned when operations are performed on a closed
// queue.
var ErrQueueClosed = &errors.CancelledError{Reason: "queue is closed"}

// workQueue holds one FIFO per workflow and serves workers round-robin
// across workflows, so a busy workflow cannot starve the others. Within
// a workflow, jobs leave in enqueue order.
type workQueue struct {
	mu     sync.Mutex
	order  []string
	next   int
	queues map[string][]*Job
	depth  int
	signal chan struct{}
	closed bool
}

func newWorkQueue() *workQueue {
	return &workQueue{
		queues: make(map[string][]*Job),
		signal: make(chan struct{}, 1),
	}
}

// push appends a job to its workflow's FIFO.
func (q *workQueue) push(job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if _, ok := q.queues[job.WorkflowID]; !ok {
		q.order = append(q.order, job.WorkflowID)
	}
	q.queues[job.WorkflowID] = append(q.queues[job.WorkflowID], job)
	q.depth++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the next job, rotating across workflows. Blocks until a
// job is available, the context ends, or the queue closes.
func (q *workQueue) pop(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if job := q.takeLocked(); job != nil {
			q.mu.Unlock()

			// Keep the signal alive while jobs remain.
			select {
			case q.signal <- struct{}{}:
			default:
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-q.signal:
			if !ok {
				return nil, ErrQueueClosed
			}
		}
	}
}

// takeLocked pops from the next non-empty workflow FIFO in rotation.
func (q *workQueue) takeLocked() *Job {
	for range q.order {
		if q.next >= len(q.order) {
			q.next = 0
		}
		wf := q.order[q.next]
		q.next++

		jobs := q.queues[wf]
		if len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		q.queues[wf] = jobs[1:]
		q.depth--
		return job
	}
	return nil
}

// len returns the number of queued jobs.
func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// close wakes all blocked consumers. Idempotent.
func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
