package executor

import (
	"sync"

	"github.com/rs/zerolog"
)

// SingleThread runs tasks one at a time, in submission order, on one
// goroutine.
type SingleThread struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func NewSingleThread(name string, logger zerolog.Logger) *SingleThread {
	e := &SingleThread{
		logger: logger.With().Str("executor", name).Logger(),
		done:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute queues task. It returns false once the executor was stopped.
func (e *SingleThread) Execute(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		e.logger.Debug().Msg("task dropped, executor stopped")
		return false
	}
	e.tasks = append(e.tasks, task)
	e.cond.Signal()
	return true
}

// Stop refuses new tasks. Tasks already queued still run.
// Safe to call from a task.
func (e *SingleThread) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.cond.Signal()
}

// Shutdown stops the executor and waits for queued tasks to drain.
// Must not be called from a task of the same executor.
func (e *SingleThread) Shutdown() {
	e.Stop()
	<-e.done
}

func (e *SingleThread) Done() <-chan struct{} { return e.done }

func (e *SingleThread) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}
