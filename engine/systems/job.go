package systems

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/core"
)

/** @brief Describes a job to be run by the JobSystem. */
type JobTask struct {
	Name string
	/** @brief Data passed to OnStart. */
	InputParams interface{}
	/** @brief Invoked on a worker when the job starts. Required. */
	OnStart func(params interface{}) error
	/** @brief Invoked when OnStart succeeds. Optional. */
	OnComplete func()
	/** @brief Invoked with the error returned by OnStart. Optional. */
	OnFailure func(err error)
	/** @brief Always invoked last, success or failure. Optional. */
	OnCompletionCallback func()
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	done       chan struct{}
	submitters sync.WaitGroup
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = fmt.Errorf("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
		done:       make(chan struct{}),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(job)
			}
		}()
	}
}

func (js *JobSystem) run(job JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}
	if job.OnStart == nil {
		core.LogError("job '%s' has no entry point", job.Name)
		if job.OnFailure != nil {
			job.OnFailure(fmt.Errorf("%w: job '%s' has no entry point", core.ErrInvalidArgument, job.Name))
		}
		return
	}
	if err := job.OnStart(job.InputParams); err != nil {
		core.LogError("job '%s' failed: %s", job.Name, err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete()
	}
}

func (js *JobSystem) NumWorkers() int {
	return js.numWorkers
}

/**
 * @brief Shuts the job system down. Submitters blocked on a full queue are
 * released with ErrJobSystemClosed, then queued jobs are drained.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.done)
	js.mu.Unlock()

	// no send may race the close of the queue
	js.submitters.Wait()
	close(js.jobQueue)
	js.wg.Wait()
	return nil
}

// AddWorkNonBlocking queues the job from a new goroutine and returns
// immediately.
func (js *JobSystem) AddWorkNonBlocking(jt JobTask) {
	go func() {
		if err := js.Submit(context.Background(), jt); err != nil {
			core.LogWarn("job '%s' dropped: %s", jt.Name, err)
		}
	}()
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while
 * the queue is full, until ctx is done or the job system shuts down.
 */
func (js *JobSystem) Submit(ctx context.Context, jt JobTask) error {
	js.mu.RLock()
	if js.closed {
		js.mu.RUnlock()
		return ErrJobSystemClosed
	}
	js.submitters.Add(1)
	js.mu.RUnlock()
	defer js.submitters.Done()

	select {
	case js.jobQueue <- jt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-js.done:
		return ErrJobSystemClosed
	}
}
