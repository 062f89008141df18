package ota

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// defaultQueueSize is the event channel capacity.
	defaultQueueSize = 256

	// checkGrace is how long Finished waits after an update check for the
	// bridge's answers before declaring the run complete.
	checkGrace = 30 * time.Second

	// settleGrace is how long Finished waits after the first device list.
	// The bridge's retained per-device states, which carry the update
	// information the list usually lacks, arrive just after it.
	settleGrace = 10 * time.Second

	// finishPollInterval is how often Run re-evaluates Finished while idle.
	finishPollInterval = time.Second
)

// Options configures optional orchestrator collaborators.
type Options struct {
	Logger    Logger
	Clock     clock.WithDelayedExecution
	Observers []Observer

	// QueueSize is the event channel capacity. Defaults to 256.
	QueueSize int

	// EnableMetrics records Prometheus metrics.
	EnableMetrics bool
}

// Orchestrator drives every OTA-capable device through the update lifecycle.
//
// Events are applied one at a time under a single lock: Handle applies an
// event synchronously, Submit queues one for Run. Transport handlers and
// watchdog timers only Submit, so all registry mutation has one writer and
// per-source arrival order is preserved.
//
// Notices produced while applying an event are delivered to observers after
// the lock is released.
type Orchestrator struct {
	cfg           Config
	cmd           Commander
	log           Logger
	clock         clock.WithDelayedExecution
	retry         RetryPolicy
	enableMetrics bool

	mu          sync.Mutex
	registry    *Registry
	limiter     *Limiter
	watchdog    *Watchdog
	pending     []Notice
	synced      bool
	syncedAt    time.Time
	scanPending bool
	lastScanAt  time.Time
	stopped     bool
	outcomes    map[State]int

	obsMu     sync.RWMutex
	observers []Observer

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// New validates cfg and builds an orchestrator. Configuration errors are
// returned before anything starts.
func New(cfg Config, cmd Commander, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: a commander is required", ErrInvalidConfig)
	}

	o := &Orchestrator{
		cfg:           cfg,
		cmd:           cmd,
		log:           opts.Logger,
		clock:         opts.Clock,
		retry:         RetryPolicy{MaxRetries: cfg.MaxRetries},
		enableMetrics: opts.EnableMetrics,
		registry:      NewRegistry(),
		limiter:       NewLimiter(cfg.MaxConcurrent),
		observers:     append([]Observer(nil), opts.Observers...),
		outcomes:      make(map[State]int),
		done:          make(chan struct{}),
	}
	if o.log == nil {
		o.log = noopLogger{}
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	o.events = make(chan Event, size)
	o.watchdog = NewWatchdog(o.clock, func(key string, gen uint64) {
		o.Submit(stallEvent{key: key, gen: gen})
	})

	return o, nil
}

// AddObserver registers an observer. Safe to call at any time.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.obsMu.Lock()
	o.observers = append(o.observers, obs)
	o.obsMu.Unlock()
}

// Config returns the orchestration settings.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Submit queues an event for Run. It blocks while the queue is full and
// returns false once the orchestrator has stopped.
func (o *Orchestrator) Submit(ev Event) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

// TrySubmit queues an event without blocking. It returns ErrQueueFull when
// the queue has no room and ErrStopped once the orchestrator has stopped.
func (o *Orchestrator) TrySubmit(ev Event) error {
	select {
	case <-o.done:
		return ErrStopped
	default:
	}
	select {
	case o.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run applies submitted events until ctx is cancelled, Shutdown is called,
// or, with ExitWhenDone, every update has finished. It always shuts the
// orchestrator down before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Shutdown()

	o.log.Info("orchestrator started",
		"max_concurrent", o.cfg.MaxConcurrent,
		"timeout", o.cfg.Timeout,
		"max_retries", o.cfg.MaxRetries,
		"dry_run", o.cfg.DryRun,
	)

	for {
		var poll <-chan time.Time
		if o.cfg.ExitWhenDone {
			poll = o.clock.After(finishPollInterval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.done:
			return nil
		case ev := <-o.events:
			if err := o.Handle(ctx, ev); err != nil {
				if errors.Is(err, ErrUnknownDevice) {
					o.log.Debug("event ignored", "type", ev.eventType(), "error", err)
				} else {
					o.log.Warn("event rejected", "type", ev.eventType(), "error", err)
				}
			}
		case <-poll:
		}

		// Events already queued may still create work.
		if o.cfg.ExitWhenDone && len(o.events) == 0 && o.Finished() {
			o.log.Info("no updates queued or running, stopping")
			return nil
		}
	}
}

// Handle applies one event atomically and then delivers the resulting
// notices. An unknown device yields ErrUnknownDevice; the event is dropped.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	err := o.apply(ctx, ev)
	o.recordFleet()
	notices := o.takeNotices()
	scan := o.scanPending
	o.scanPending = false
	o.mu.Unlock()

	o.recordEvent(ev.eventType(), err)
	o.emit(notices)

	if scan {
		if _, scanErr := o.Scan(ctx); scanErr != nil {
			o.log.Warn("startup update check incomplete", "error", scanErr)
		}
	}
	return err
}

// Shutdown cancels every watchdog and stops accepting events. Transfers
// already running on the bridge continue and are adopted on next start.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		o.watchdog.CancelAll()
	}
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.done) })
}

// Retry re-queues a terminally failed device with a fresh retry budget.
func (o *Orchestrator) Retry(ctx context.Context, ref string) (Device, error) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return Device{}, ErrStopped
	}
	dev, ok := o.registry.Resolve(ref)
	if !ok {
		o.mu.Unlock()
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, ref)
	}
	if dev.State != StateFailed {
		state := dev.State
		o.mu.Unlock()
		return Device{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, ref, state)
	}
	if o.cfg.DryRun {
		o.mu.Unlock()
		return Device{}, ErrDryRun
	}

	dev.RetryCount = 0
	dev.LastError = ""
	o.enqueue(dev, "manual retry")
	o.dispatch(ctx)
	view := *dev
	o.recordFleet()
	notices := o.takeNotices()
	o.mu.Unlock()

	o.emit(notices)
	return view, nil
}

// Scan asks the bridge to check every tracked device that is not already
// updating. It returns how many checks were sent; failures are joined.
func (o *Orchestrator) Scan(ctx context.Context) (int, error) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return 0, ErrStopped
	}
	var targets []Device
	for _, d := range o.registry.List() {
		if d.State != StateUpdating {
			targets = append(targets, d)
		}
	}
	o.lastScanAt = o.clock.Now()
	o.mu.Unlock()

	var (
		errs    []error
		sent    int
		notices = make([]Notice, 0, len(targets))
	)
	for _, d := range targets {
		err := o.cmd.CheckUpdate(ctx, d.Key)
		o.recordCommand("check", err)
		n := Notice{Kind: NoticeCheck, Time: o.clock.Now(), Device: d}
		if err != nil {
			n.Err = err.Error()
			errs = append(errs, fmt.Errorf("checking %s: %w", d.Name(), err))
		} else {
			sent++
		}
		notices = append(notices, n)
	}
	o.emit(notices)
	return sent, errors.Join(errs...)
}

// Finished reports whether the first snapshot has been reconciled and has
// had time to settle, nothing is queued or updating, and no recent check
// may still produce work.
func (o *Orchestrator) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.synced || o.scanPending {
		return false
	}
	if o.clock.Since(o.syncedAt) < settleGrace {
		return false
	}
	if o.limiter.QueueLen() > 0 || o.limiter.UpdatingLen() > 0 {
		return false
	}
	if !o.lastScanAt.IsZero() && o.clock.Since(o.lastScanAt) < checkGrace {
		return false
	}
	return true
}

// Devices returns copies of every tracked device.
func (o *Orchestrator) Devices() []Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.List()
}

// Device returns a copy of one device, looked up by key or friendly name.
func (o *Orchestrator) Device(ref string) (Device, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dev, ok := o.registry.Resolve(ref)
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Stats summarises the current fleet.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Stats{
		Devices:       o.registry.Len(),
		ByState:       o.registry.CountByState(),
		Queued:        o.limiter.Queue(),
		Updating:      o.limiter.Updating(),
		MaxConcurrent: o.cfg.MaxConcurrent,
		MaxRetries:    o.cfg.MaxRetries,
		Timeout:       o.cfg.Timeout.String(),
		DryRun:        o.cfg.DryRun,
		Synced:        o.synced,
		Outcomes:      maps.Clone(o.outcomes),
	}
}

// =============================================================================
// Event application (called with o.mu held)
// =============================================================================

func (o *Orchestrator) apply(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Snapshot:
		o.reconcile(ctx, e)
		return nil
	case Availability:
		return o.onAvailability(ctx, e)
	case Status:
		return o.onStatus(ctx, e)
	case Completion:
		return o.onCompletion(ctx, e)
	case stallEvent:
		o.onStall(ctx, e)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func (o *Orchestrator) resolve(ref string) (*Device, error) {
	dev, ok := o.registry.Resolve(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ref)
	}
	return dev, nil
}

func (o *Orchestrator) onAvailability(ctx context.Context, e Availability) error {
	dev, err := o.resolve(e.Device)
	if err != nil {
		return err
	}

	dev.UpdateAvailable = e.Available
	if e.Available {
		o.markAvailable(dev)
	} else {
		o.markNoUpdate(dev)
	}
	o.dispatch(ctx)
	return nil
}

func (o *Orchestrator) onStatus(ctx context.Context, e Status) error {
	dev, err := o.resolve(e.Device)
	if err != nil {
		return err
	}

	switch {
	case dev.State == StateUpdating && e.State == ReportedIdle:
		o.idleWhileUpdating(dev, "device state")
	case dev.State == StateUpdating:
		// Any report from an updating device is a sign of life, even if
		// the percentage went backwards.
		o.recordProgress(dev, e)
	case e.State == ReportedUpdating:
		o.adopt(dev, "transfer reported in progress")
		o.recordProgress(dev, e)
	case e.State == ReportedAvailable:
		dev.UpdateAvailable = true
		o.markAvailable(dev)
	case e.State == ReportedIdle:
		dev.UpdateAvailable = false
		o.markNoUpdate(dev)
	}
	o.dispatch(ctx)
	return nil
}

func (o *Orchestrator) onCompletion(ctx context.Context, e Completion) error {
	dev, err := o.resolve(e.Device)
	if err != nil {
		return err
	}

	if dev.State != StateUpdating {
		o.log.Debug("completion for device that is not updating",
			"device", dev.Name(), "state", dev.State, "success", e.Success)
		return nil
	}

	if e.Success {
		o.succeed(dev, "")
	} else {
		reason := e.Reason
		if reason == "" {
			reason = "bridge reported failure"
		}
		o.failAttempt(dev, StateFailed, reason)
	}
	o.dispatch(ctx)
	return nil
}

func (o *Orchestrator) onStall(ctx context.Context, e stallEvent) {
	dev := o.registry.Get(e.key)
	if dev == nil || dev.State != StateUpdating || !o.watchdog.Current(e.key, e.gen) {
		o.log.Debug("discarding stale watchdog expiry", "device", e.key)
		return
	}

	o.log.Warn("update stalled", "device", dev.Name(), "timeout", o.cfg.Timeout, "last_percent", dev.LastPercent)
	o.failAttempt(dev, StateStalled, fmt.Sprintf("no progress for %s", o.cfg.Timeout))
	o.dispatch(ctx)
}

// =============================================================================
// Lifecycle steps (called with o.mu held)
// =============================================================================

// markAvailable moves an idle device towards an update. It never dispatches.
func (o *Orchestrator) markAvailable(dev *Device) {
	switch dev.State {
	case StateIdle:
		o.transition(dev, StateUpdateAvailable, "")
		if o.cfg.DryRun {
			o.notify(Notice{Kind: NoticeCommand, Device: *dev, DryRun: true})
			return
		}
		o.enqueue(dev, "")
	case StateUpdateAvailable:
		if !o.cfg.DryRun {
			o.enqueue(dev, "")
		}
	}
}

// markNoUpdate returns a waiting device to idle. Updating and failed
// devices are left alone.
func (o *Orchestrator) markNoUpdate(dev *Device) {
	switch dev.State {
	case StateQueued:
		o.limiter.Dequeue(dev.Key)
		o.transition(dev, StateIdle, "no update available")
	case StateUpdateAvailable:
		o.transition(dev, StateIdle, "no update available")
	}
}

func (o *Orchestrator) enqueue(dev *Device, reason string) {
	if !o.limiter.Enqueue(dev.Key) {
		return
	}
	o.transition(dev, StateQueued, reason)
}

// dispatch starts queued updates while slots are free. A publish failure
// puts the device back at the queue head and stops dispatching until the
// next event triggers another pass.
func (o *Orchestrator) dispatch(ctx context.Context) {
	if o.cfg.DryRun {
		return
	}

	for {
		key, ok := o.limiter.Next()
		if !ok {
			return
		}

		dev := o.registry.Get(key)
		if dev == nil || dev.State != StateQueued {
			o.log.Error("dropping queue entry without a queued device", "device", key)
			o.limiter.Release(key)
			continue
		}

		err := o.cmd.StartUpdate(ctx, key)
		o.recordCommand("update", err)
		if err != nil {
			o.limiter.Release(key)
			o.limiter.PushFront(key)
			o.log.Warn("could not start update, keeping device queued",
				"device", dev.Name(), "error", err)
			o.notify(Notice{Kind: NoticeCommand, Device: *dev, Err: err.Error()})
			return
		}

		o.beginAttempt(dev, false)
		o.transition(dev, StateUpdating, "")
		o.watchdog.Arm(key, o.cfg.Timeout)
		o.notify(Notice{Kind: NoticeCommand, Device: *dev})
	}
}

// adopt takes over a transfer the bridge is already running. No command is
// sent. The slot is taken even when that exceeds the limit; no new update
// starts until enough slots free up.
func (o *Orchestrator) adopt(dev *Device, reason string) {
	o.limiter.Admit(dev.Key)
	o.beginAttempt(dev, true)
	dev.Transferring = true
	o.transition(dev, StateUpdating, reason)
	o.watchdog.Arm(dev.Key, o.cfg.Timeout)

	if n := o.limiter.UpdatingLen(); n > o.cfg.MaxConcurrent {
		o.log.Warn("more updates in progress than allowed, new updates wait",
			"updating", n, "max_concurrent", o.cfg.MaxConcurrent)
	}
}

func (o *Orchestrator) beginAttempt(dev *Device, adopted bool) {
	now := o.clock.Now()
	dev.AttemptStartedAt = now
	dev.LastProgressAt = now
	dev.LastPercent = 0
	dev.Remaining = 0
	dev.Adopted = adopted
	dev.Transferring = false
}

func (o *Orchestrator) recordProgress(dev *Device, e Status) {
	now := o.clock.Now()
	dev.LastProgressAt = now
	dev.UpdatedAt = now
	dev.Transferring = true
	if e.HasProgress {
		dev.LastPercent = e.Progress
	}
	dev.Remaining = e.Remaining

	if !o.watchdog.Reset(dev.Key) {
		o.watchdog.Arm(dev.Key, o.cfg.Timeout)
	}
	if e.HasProgress {
		o.notify(Notice{Kind: NoticeProgress, Device: *dev})
	}
}

func (o *Orchestrator) succeed(dev *Device, reason string) {
	o.watchdog.Cancel(dev.Key)
	o.limiter.Release(dev.Key)
	o.recordAttempt(dev, StateSucceeded)
	o.outcomes[StateSucceeded]++

	o.transition(dev, StateSucceeded, reason)
	dev.RetryCount = 0
	dev.UpdateAvailable = false
	dev.LastError = ""
	dev.Remaining = 0
	dev.Adopted = false
	dev.Transferring = false
	o.transition(dev, StateIdle, "")
}

// idleWhileUpdating ends an attempt the bridge reports idle, from either a
// device state message or the device list. An idle report that arrives
// before the bridge has confirmed the transfer is ignored: it may describe
// the device before the start command, and the attempt is left to its
// completion event or the watchdog.
func (o *Orchestrator) idleWhileUpdating(dev *Device, source string) {
	if !dev.Transferring {
		o.log.Debug("ignoring idle report for an unconfirmed transfer",
			"device", dev.Name(), "source", source)
		return
	}
	o.succeed(dev, "bridge reported idle")
}

// failAttempt ends the current attempt through via (StateFailed or
// StateStalled) and either re-queues the device or fails it for good.
func (o *Orchestrator) failAttempt(dev *Device, via State, reason string) {
	o.watchdog.Cancel(dev.Key)
	o.limiter.Release(dev.Key)
	o.recordAttempt(dev, via)
	o.outcomes[via]++
	dev.LastError = reason
	dev.Transferring = false

	if !o.retry.ShouldRetry(dev) {
		if via != StateFailed {
			o.transition(dev, via, reason)
		}
		o.move(dev, StateFailed, Notice{Reason: reason, Terminal: true})
		o.recordRetriesExhausted()
		o.log.Error("update failed, retries exhausted",
			"device", dev.Name(), "attempts", dev.Attempt(), "reason", reason)
		return
	}

	o.transition(dev, via, reason)
	o.retry.RecordAttemptFailure(dev)
	dev.Adopted = false
	if o.cfg.DryRun {
		o.transition(dev, StateUpdateAvailable, "retry withheld in dry run")
		return
	}
	o.enqueue(dev, "retry")
}

func (o *Orchestrator) removeDevice(key, reason string) {
	dev := o.registry.Get(key)
	if dev == nil {
		return
	}
	o.watchdog.Cancel(key)
	o.limiter.Forget(key)
	o.registry.Remove(key)
	o.notify(Notice{Kind: NoticeRemoved, Device: *dev, Reason: reason})
}

// =============================================================================
// Notices
// =============================================================================

func (o *Orchestrator) transition(dev *Device, to State, reason string) {
	o.move(dev, to, Notice{Reason: reason})
}

func (o *Orchestrator) move(dev *Device, to State, n Notice) {
	from := dev.State
	if err := ValidateTransition(from, to); err != nil {
		o.log.Error("unexpected lifecycle transition", "device", dev.Name(), "error", err)
	}
	dev.State = to
	dev.UpdatedAt = o.clock.Now()

	n.Kind = NoticeTransition
	n.From = from
	n.To = to
	n.Device = *dev
	o.notify(n)
}

func (o *Orchestrator) notify(n Notice) {
	n.Time = o.clock.Now()
	o.pending = append(o.pending, n)
}

func (o *Orchestrator) takeNotices() []Notice {
	n := o.pending
	o.pending = nil
	return n
}

func (o *Orchestrator) emit(notices []Notice) {
	if len(notices) == 0 {
		return
	}
	o.obsMu.RLock()
	observers := append([]Observer(nil), o.observers...)
	o.obsMu.RUnlock()

	for _, n := range notices {
		for _, obs := range observers {
			obs.Observe(n)
		}
	}
}
