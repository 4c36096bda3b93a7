// Copyright 2025 Blink Labs Software
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

package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of scheduler work: a worker assigned a block range within
// a stage. At most one job is active per (stage, range) pair; a racing
// duplicate loses at completion time via the completed-ranges union.
type Job struct {
	id        uint64
	Stage     int
	Range     BlockRange
	startedAt time.Time
	processed atomic.Uint64
}

// JobStatus is a point-in-time view of a live job, sampled for progress
// heartbeats
type JobStatus struct {
	Stage           int
	Range           BlockRange
	ProcessedBlocks uint64
	Duration        time.Duration
}

// jobTracker holds the live set of jobs for one session
type jobTracker struct {
	mu     sync.Mutex
	nextID uint64
	jobs   map[uint64]*Job
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[uint64]*Job)}
}

func (t *jobTracker) begin(stage int, r BlockRange) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	j := &Job{
		id:        t.nextID,
		Stage:     stage,
		Range:     r,
		startedAt: time.Now(),
	}
	t.jobs[j.id] = j
	return j
}

func (t *jobTracker) finish(j *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, j.id)
}

// snapshot returns the live jobs ordered by stage then range start, so
// progress output is stable across samples
func (t *jobTracker) snapshot() []JobStatus {
	t.mu.Lock()
	statuses := make([]JobStatus, 0, len(t.jobs))
	for _, j := range t.jobs {
		statuses = append(statuses, JobStatus{
			Stage:           j.Stage,
			Range:           j.Range,
			ProcessedBlocks: j.processed.Load(),
			Duration:        time.Since(j.startedAt),
		})
	}
	t.mu.Unlock()
	sort.Slice(statuses, func(i, k int) bool {
		if statuses[i].Stage != statuses[k].Stage {
			return statuses[i].Stage < statuses[k].Stage
		}
		return statuses[i].Range.StartBlock < statuses[k].Range.StartBlock
	})
	return statuses
}
