package echo

import (
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool manages a dynamic pool of workers handling accepted
// connections.
type WorkerPool struct {
	taskQueue     chan func()
	maxWorkers    int
	minWorkers    int
	idleTimeout   time.Duration
	activeWorkers int32
	workerWG      sync.WaitGroup
	stop          chan struct{}
}

// NewWorkerPool creates a new WorkerPool.
func NewWorkerPool(minWorkers, maxWorkers int, idleTimeout time.Duration) *WorkerPool {
	return &WorkerPool{
		taskQueue:   make(chan func(), 1000),
		maxWorkers:  maxWorkers,
		minWorkers:  minWorkers,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
}

// Start initializes the worker pool with the minimum number of workers.
func (wp *WorkerPool) Start() {
	for range wp.minWorkers {
		wp.startWorker()
	}
}

// Stop shuts down the worker pool gracefully.
func (wp *WorkerPool) Stop() {
	close(wp.stop)
	wp.workerWG.Wait()
}

// Submit adds a task to the worker pool.
func (wp *WorkerPool) Submit(task func()) {
	select {
	case wp.taskQueue <- task:
		// Task submitted successfully
	default:
		// Queue is full; start a new worker if below maxWorkers
		if int(atomic.LoadInt32(&wp.activeWorkers)) < wp.maxWorkers {
			wp.startWorker()
		}
		wp.taskQueue <- task
	}
}

func (wp *WorkerPool) startWorker() {
	atomic.AddInt32(&wp.activeWorkers, 1)
	wp.workerWG.Add(1)
	go func() {
		defer wp.workerWG.Done()
		defer atomic.AddInt32(&wp.activeWorkers, -1)
		for {
			select {
			case task, ok := <-wp.taskQueue:
				if !ok {
					return
				}
				task()
			case <-time.After(wp.idleTimeout):
				// Stop worker if idle too long and above minWorkers
				if int(atomic.LoadInt32(&wp.activeWorkers)) > wp.minWorkers {
					return
				}
			case <-wp.stop:
				return
			}
		}
	}()
}
