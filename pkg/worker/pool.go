package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/metrics"
	"github.com/cuemby/cumulus/pkg/storage"
	"github.com/cuemby/cumulus/pkg/types"
)

// ErrShutdown is returned by Enqueue once the pool is shutting down
var ErrShutdown = errors.New("worker pool is shut down")

// Dispatcher runs the handler for a UCI's current state
type Dispatcher interface {
	Dispatch(ctx context.Context, uci *types.UCI) error
}

// UCIGetter loads the latest persisted UCI
type UCIGetter interface {
	GetUCI(id string) (*types.UCI, error)
}

// Config configures a Pool
type Config struct {
	Size       int
	QueueSize  int
	Store      UCIGetter
	Dispatcher Dispatcher
	// Locks serializes work per UCI with the reconciler
	Locks *storage.KeyedMutex
}

// Pool is a fixed set of goroutines consuming a shared job queue
type Pool struct {
	size       int
	queue      *Queue
	store      UCIGetter
	dispatcher Dispatcher
	locks      *storage.KeyedMutex
	logger     zerolog.Logger

	// mu is held shared by Enqueue for the whole push, so no job can land
	// behind the stop sentinels
	mu       sync.RWMutex
	started  bool
	shutdown bool
	wg       sync.WaitGroup
}

// NewPool creates a worker pool. Call Start to launch the workers.
func NewPool(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	locks := cfg.Locks
	if locks == nil {
		locks = storage.NewKeyedMutex()
	}
	return &Pool{
		size:       size,
		queue:      NewQueue(cfg.QueueSize),
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		locks:      locks,
		logger:     log.WithComponent("worker"),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	metrics.UpdateComponent("workers", true, fmt.Sprintf("%d workers", p.size))
	p.logger.Info().Int("workers", p.size).Msg("Worker pool started")
}

// Enqueue queues work for uciID
func (p *Pool) Enqueue(ctx context.Context, uciID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown {
		return ErrShutdown
	}
	return p.queue.Push(ctx, Job{UCIID: uciID})
}

// QueueLen returns the number of jobs waiting for a worker
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

// Shutdown queues one stop sentinel per worker and waits for every worker
// to exit. Jobs queued before Shutdown are processed first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}

	for i := 0; i < p.size; i++ {
		_ = p.queue.Push(context.Background(), Job{Stop: true})
	}
	p.wg.Wait()

	metrics.UpdateComponent("workers", false, "shut down")
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := log.WithWorkerID(p.logger, id)

	for {
		job := p.queue.Pop()
		if job.Stop {
			logger.Debug().Msg("Worker exiting")
			return
		}
		p.process(logger, job)
	}
}

// process handles one job. Errors and panics are logged and never stop the
// worker.
func (p *Pool) process(logger zerolog.Logger, job Job) {
	logger = log.WithUCIID(logger, job.UCIID)
	defer func() {
		if r := recover(); r != nil {
			metrics.JobsTotal.WithLabelValues("unknown", "panic").Inc()
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked")
		}
	}()

	release := p.locks.Lock(job.UCIID)
	defer release()

	// The state may have moved on while the job was queued
	uci, err := p.store.GetUCI(job.UCIID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Msg("Queued UCI no longer exists")
			return
		}
		logger.Error().Err(err).Msg("Failed to load UCI")
		return
	}

	if err := p.dispatcher.Dispatch(context.Background(), uci); err != nil {
		logger.Error().Err(err).Str("state", string(uci.State)).Msg("Job failed")
		return
	}
	logger.Debug().Str("state", string(uci.State)).Msg("Job done")
}
