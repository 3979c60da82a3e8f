// Package worker runs the periodic sweeps that keep payments and payouts
// moving when a callback or a process went missing.
package worker

import "context"

// Job is one sweep executed on every tick.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Registry struct {
	jobs []Job
}

func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns a copy, in registration order.
func (r *Registry) Jobs() []Job {
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// JobFunc adapts a plain function into a Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f JobFunc) Name() string { return f.JobName }

func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }
