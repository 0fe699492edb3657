package worker

import (
	"context"
	"fmt"
)

// Job is one unit of vendor work submitted on behalf of a user.
type Job struct {
	UserID int64

	ctx     context.Context
	run     func(context.Context) error
	done    chan error
	release func()
}

func (j *Job) execute() {
	if err := j.ctx.Err(); err != nil {
		j.finish(err)
		return
	}
	j.finish(j.safeRun())
}

func (j *Job) safeRun() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker job panicked: %v", r)
		}
	}()
	return j.run(j.ctx)
}

func (j *Job) finish(err error) {
	j.done <- err
	if j.release != nil {
		j.release()
	}
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan *Job
	quit       chan struct{}
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan *Job),
		quit:       make(chan struct{}),
	}
}

// Start parks the worker in the idle list and runs jobs handed to it until quit.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			w.pool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				debugLog("[worker-%d] run job for user %d", w.id, job.UserID)
				job.execute()
			case <-w.quit:
				debugLog("[worker-%d] retired", w.id)
				return
			}
		}
	}()
}
