// Package jobsys provides the job-graph scheduler used to drive one
// simulation step across worker goroutines.
//
// A step is a tree of short-lived jobs connected by explicit
// happens-before edges. Each job has an atomic dependency counter; the counter
// starts at the number of incoming edges and a job is only handed to a
// worker once the last dependency has run and the counter reaches
// zero. There is no other synchronization between
// jobs — within a job execution is fully synchronous, and suspension
// only happens between jobs.
package jobsys

import (
	"sync/atomic"
)

// Job is one node in a step's job graph.
type Job struct {
	name string
	fn   func()

	deps int32 // outstanding dependency count, atomic.
	out  []*Job

	pool *Pool
}

// NewJob creates a job that runs fn when all of its dependencies have
// completed. The job is not scheduled until a Pool.Run call reaches it
// as a root or as another job's dependant.
func NewJob(name string, fn func()) *Job {
	return &Job{name: name, fn: fn}
}

// Name returns the job's diagnostic name.
func (j *Job) Name() string { return j.name }

// DependsOn records that j must not run until each of deps has run.
// Must be called before Pool.Run is given the graph's roots.
func (j *Job) DependsOn(deps ...*Job) *Job {
	j.deps += int32(len(deps))
	for _, d := range deps {
		d.out = append(d.out, j)
	}
	return j
}

// removeDependency decrements j's outstanding dependency count and
// enqueues j on pool p once it reaches zero.
func (j *Job) removeDependency(p *Pool) {
	if atomic.AddInt32(&j.deps, -1) == 0 {
		p.enqueue(j)
	}
}

func (j *Job) run() {
	j.fn()
	for _, o := range j.out {
		o.removeDependency(j.pool)
	}
}
