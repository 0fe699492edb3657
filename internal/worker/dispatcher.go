package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("worker queue is full")
	ErrDispatcherStopped = errors.New("worker dispatcher stopped")
)

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []*Job
	enqueued bool
}

// Dispatcher runs vendor calls on a bounded pool. Jobs are queued per user and users
// take turns, so one chatty user cannot starve the others.
type Dispatcher struct {
	pool      *jobChannelPool
	jobQueue  chan *Job
	queueSize int64
	pending   atomic.Int64

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout)

	d := &Dispatcher{
		pool:      pool,
		jobQueue:  make(chan *Job, cfg.QueueSize),
		queueSize: int64(cfg.QueueSize),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do runs fn on a worker on behalf of userID and waits for its result. It fails fast
// with ErrDispatcherBusy when too many jobs are outstanding and returns ctx.Err() if
// the caller gives up first.
func (d *Dispatcher) Do(ctx context.Context, userID int64, fn func(context.Context) error) error {
	select {
	case <-d.stop:
		return ErrDispatcherStopped
	default:
	}
	if d.pending.Add(1) > d.queueSize {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	job := &Job{
		UserID:  userID,
		ctx:     ctx,
		run:     fn,
		done:    make(chan error, 1),
		release: func() { d.pending.Add(-1) },
	}

	select {
	case d.jobQueue <- job:
	case <-ctx.Done():
		d.pending.Add(-1)
		return ctx.Err()
	case <-d.stop:
		d.pending.Add(-1)
		return ErrDispatcherStopped
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		select {
		case err := <-job.done:
			return err
		default:
			return ErrDispatcherStopped
		}
	}
}

// Stop refuses new jobs, fails queued ones and retires every worker. Jobs already
// running finish on their own.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.pool.close()
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of user in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.stop:
				d.drain()
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.stop:
			d.drain()
			return
		default:
		}
	}
}

// CancelUser drops every queued job of the user. Running jobs are not interrupted.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	q := d.queues[userID]
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()

	if q != nil {
		for _, job := range q.jobs {
			job.finish(context.Canceled)
		}
	}
}

func (d *Dispatcher) enqueueJob(job *Job) {
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// next pops the head job of the least recently served user.
func (d *Dispatcher) next() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return nil
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job
}

// dispatchOne get first user in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	job := d.next()
	if job == nil {
		return false
	}

	workerChan, workerID, ok := d.pool.acquire()
	if !ok {
		job.finish(ErrDispatcherStopped)
		return false
	}
	debugLog("[dispatcher] assign job for user %d to worker-%d", job.UserID, workerID)
	select {
	case workerChan <- job:
	case <-d.stop:
		job.finish(ErrDispatcherStopped)
	}
	return true
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	var jobs []*Job
	for _, q := range d.queues {
		jobs = append(jobs, q.jobs...)
	}
	d.queues = make(map[int64]*userQueue)
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
	d.mu.Unlock()

loop:
	for {
		select {
		case job := <-d.jobQueue:
			jobs = append(jobs, job)
		default:
			break loop
		}
	}
	for _, job := range jobs {
		job.finish(ErrDispatcherStopped)
	}
}
