package history

import (
	"context"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/nerrad567/z2m-ota/internal/ota"
)

const (
	// defaultQueueSize bounds the notices waiting to be written.
	defaultQueueSize = 256

	// writeTimeout bounds a single database write.
	writeTimeout = 5 * time.Second

	// pruneInterval is how often Run deletes attempts past retention.
	pruneInterval = time.Hour
)

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// job is one pending write: an attempt to insert, or a device whose last
// attempt must be marked terminal.
type job struct {
	attempt  *Attempt
	terminal string
}

// Recorder is an ota.Observer that journals finished attempts.
//
// Observe never blocks the orchestrator: writes are queued and performed by
// Run. When the queue is full the notice is dropped and counted.
type Recorder struct {
	repo    Repository
	log     Logger
	jobs    chan job
	dropped atomic.Uint64

	retention time.Duration
	clock     clock.WithTicker
}

// NewRecorder creates a recorder writing to repo. A nil logger discards.
func NewRecorder(repo Repository, log Logger) *Recorder {
	if log == nil {
		log = noopLogger{}
	}
	return &Recorder{
		repo: repo,
		log:  log,
		jobs:  make(chan job, defaultQueueSize),
		clock: clock.RealClock{},
	}
}

// SetRetention makes Run delete attempts that finished more than keep ago,
// once when it starts and then every hour. Zero keeps history forever.
// A nil clk uses the wall clock. Call before Run.
func (r *Recorder) SetRetention(keep time.Duration, clk clock.WithTicker) {
	r.retention = keep
	if clk != nil {
		r.clock = clk
	}
}

// Observe implements ota.Observer.
func (r *Recorder) Observe(n ota.Notice) {
	var j job
	if a, ok := FromNotice(n); ok {
		j.attempt = &a
	} else if isLateTerminal(n) {
		j.terminal = n.Device.Key
	} else {
		return
	}

	select {
	case r.jobs <- j:
	default:
		r.dropped.Add(1)
		r.log.Warn("attempt history queue full, dropping record", "device", n.Device.Name())
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already queued. It always returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	var prune <-chan time.Time
	if r.retention > 0 {
		r.prune(ctx)
		t := r.clock.NewTicker(pruneInterval)
		defer t.Stop()
		prune = t.C()
	}

	for {
		select {
		case j := <-r.jobs:
			r.write(ctx, j)
		case <-prune:
			r.prune(ctx)
		case <-ctx.Done():
			r.drain(ctx)
			return nil
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case j := <-r.jobs:
			r.write(ctx, j)
		default:
			return
		}
	}
}

// write outlives cancellation of ctx so a record queued before shutdown
// is still stored.
func (r *Recorder) write(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if j.attempt != nil {
		if _, err := r.repo.Record(ctx, *j.attempt); err != nil {
			r.log.Error("recording attempt", "device", j.attempt.DeviceKey, "error", err)
			return
		}
		r.log.Debug("attempt recorded",
			"device", j.attempt.DeviceKey, "attempt", j.attempt.Number, "outcome", j.attempt.Outcome)
		return
	}
	if err := r.repo.MarkTerminal(ctx, j.terminal); err != nil {
		r.log.Error("marking attempt terminal", "device", j.terminal, "error", err)
	}
}

func (r *Recorder) prune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	n, err := r.repo.Prune(ctx, r.retention)
	if err != nil {
		r.log.Error("pruning attempt history", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("pruned attempt history", "deleted", n, "retention", r.retention)
	}
}
