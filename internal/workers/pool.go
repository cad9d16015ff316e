// Package workers provides the goroutine pool the Execution Supervisor uses
// to run one tick per symbol concurrently while keeping each symbol's own
// ticks strictly serialized by its caller.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to a Pool.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool runs submitted tasks across a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	workers   []*worker
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	PanicRecovery   bool
}

// DefaultPoolConfig sizes the pool to the symbol count the Execution
// Supervisor is managing; NumWorkers should be set to the symbol count by
// the caller, this is a fallback for ad-hoc pools.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		TaskTimeout:     10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks submission/completion counters and a P99 latency
// estimate sampled over a fixed-size ring buffer.
type PoolMetrics struct {
	mu sync.RWMutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64

	latencies   []int64
	latencyIdx  int
	latencySize int

	startTime      time.Time
	lastCheckpoint time.Time
	lastCompleted  int64
}

func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies:      make([]int64, 1000),
		latencySize:    1000,
		startTime:      time.Now(),
		lastCheckpoint: time.Now(),
	}
}

func (m *PoolMetrics) RecordLatency(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[m.latencyIdx] = ns
	m.latencyIdx = (m.latencyIdx + 1) % m.latencySize
}

// GetP99Latency returns the 99th percentile of the latencies recorded so
// far. O(n^2) exchange sort; fine at this sample size (tick-rate, not tick-count).
func (m *PoolMetrics) GetP99Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filled := m.latencySize
	for i := m.latencyIdx; i < m.latencySize; i++ {
		if m.latencies[i] == 0 {
			filled = m.latencyIdx
			break
		}
	}
	if filled == 0 {
		return 0
	}

	sorted := make([]int64, filled)
	copy(sorted, m.latencies[:filled])
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

func (m *PoolMetrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TasksCompleted)) / elapsed
}

func (m *PoolMetrics) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		TasksTimeout:   atomic.LoadInt64(&m.TasksTimeout),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		P99Latency:     m.GetP99Latency(),
		Throughput:     m.GetThroughput(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats is a point-in-time snapshot of PoolMetrics, returned by
// Pool.Stats. It is not registered on the Prometheus /metrics endpoint.
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Throughput     float64       `json:"throughput"`
	Uptime         time.Duration `json:"uptime"`
}

type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		workers:   make([]*worker, config.NumWorkers),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   NewPoolMetrics(),
	}
}

func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		w := &worker{id: i, pool: p, logger: p.logger.With(zap.Int("worker_id", i))}
		p.workers[i] = w
		p.wg.Add(1)
		go w.run()
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case task, ok := <-w.pool.taskQueue:
			if !ok {
				return
			}
			w.executeTask(task)
		}
	}
}

func (w *worker) executeTask(task Task) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if w.pool.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&w.pool.metrics.PanicRecovered, 1)
					w.logger.Error("worker recovered from panic", zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
				done <- err
			}()
		}
		err = task.Execute()
		if !w.pool.config.PanicRecovery {
			done <- err
		}
	}()

	select {
	case err := <-done:
		w.pool.metrics.RecordLatency(time.Since(startTime).Nanoseconds())
		if err != nil {
			atomic.AddInt64(&w.pool.metrics.TasksFailed, 1)
			w.logger.Debug("task failed", zap.Error(err))
		} else {
			atomic.AddInt64(&w.pool.metrics.TasksCompleted, 1)
		}
	case <-ctx.Done():
		atomic.AddInt64(&w.pool.metrics.TasksTimeout, 1)
		w.logger.Warn("task timed out", zap.Duration("timeout", w.pool.config.TaskTimeout))
	}
}

// Submit enqueues task without blocking; ErrQueueFull if the buffer is full.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait submits task and blocks until it completes.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	done := make(chan error, 1)
	wrapper := TaskFunc(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if !p.config.PanicRecovery {
					panic(r)
				}
				atomic.AddInt64(&p.metrics.PanicRecovered, 1)
				p.logger.Error("worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
			done <- err
		}()
		return task.Execute()
	})
	if err := p.Submit(wrapper); err != nil {
		return err
	}
	return <-done
}

func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop cancels the pool context and waits up to ShutdownTimeout for the
// worker goroutines to exit. Cancellation makes a worker stop waiting on
// its in-flight task (counted as a timeout); queued tasks are not run.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.String("name", p.config.Name))
		return ErrShutdownTimeout
	}
}

func (p *Pool) QueueLength() int { return len(p.taskQueue) }
func (p *Pool) IsRunning() bool  { return p.running.Load() }
func (p *Pool) Metrics() *PoolMetrics { return p.metrics }
func (p *Pool) Stats() PoolStats      { return p.metrics.GetStats() }

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

type PoolError struct{ Message string }

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a recovered panic value as an error.
type PanicError struct{ Recovered interface{} }

func (e *PanicError) Error() string { return "panic recovered" }
