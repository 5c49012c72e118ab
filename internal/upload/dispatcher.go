package upload

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DispatcherConfig defines the upload worker pool.
type DispatcherConfig struct {
	// Workers is the number of concurrent uploads.
	Workers int
	// QueueSize bounds the jobs waiting for a worker; extra jobs are dropped.
	QueueSize int
	// Timeout bounds a single upload.
	Timeout time.Duration
}

// DefaultDispatcherConfig returns the default pool configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   2,
		QueueSize: 32,
		Timeout:   2 * time.Minute,
	}
}

// DoneFunc is told about every finished upload. err is nil on success.
type DoneFunc func(job Job, err error)

// Dispatcher uploads archives in the background. Failures never reach the
// submitter; they are logged and passed to the DoneFunc.
type Dispatcher struct {
	uploader Uploader
	config   DispatcherConfig
	logger   *slog.Logger
	onDone   DoneFunc

	mu       sync.Mutex
	queue    chan Job
	closed   bool
	started  bool
	inFlight int
	uploaded int
	failed   int
	dropped  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin uploading.
func NewDispatcher(u Uploader, cfg DispatcherConfig, logger *slog.Logger, onDone DoneFunc) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		uploader: u,
		config:   cfg,
		logger:   logger,
		onDone:   onDone,
		queue:    make(chan Job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("upload dispatcher started",
		slog.String("uploader", d.uploader.Name()),
		slog.Int("workers", d.config.Workers))
}

// Submit queues a job without blocking. It returns false when the job was dropped.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.dropped++
		d.logger.Warn("upload dispatcher stopped, dropping archive", slog.String("name", job.Name))
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.dropped++
		d.logger.Warn("upload queue full, dropping archive",
			slog.String("name", job.Name),
			slog.Int("queue_size", d.config.QueueSize))
		return false
	}
}

// Stop stops accepting jobs and waits for queued uploads. When ctx expires
// first, in-flight uploads are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	if !d.started {
		// drain so nothing is silently lost from the counters
		for range d.queue {
			d.dropped++
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("upload dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	d.mu.Lock()
	d.inFlight++
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(d.ctx, d.config.Timeout)
	err := d.uploader.Upload(ctx, job)
	cancel()

	d.mu.Lock()
	d.inFlight--
	if err != nil {
		d.failed++
	} else {
		d.uploaded++
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("archive upload failed",
			slog.String("run_id", job.RunID),
			slog.String("name", job.Name),
			slog.String("uploader", d.uploader.Name()),
			slog.Any("error", err))
	} else {
		d.logger.Info("archive uploaded",
			slog.String("run_id", job.RunID),
			slog.String("name", job.Name),
			slog.Int("bytes", len(job.Data)))
	}

	if d.onDone != nil {
		d.onDone(job, err)
	}
}

// Stats returns current dispatcher counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]interface{}{
		"uploader":  d.uploader.Name(),
		"workers":   d.config.Workers,
		"queued":    len(d.queue),
		"in_flight": d.inFlight,
		"uploaded":  d.uploaded,
		"failed":    d.failed,
		"dropped":   d.dropped,
	}
}
