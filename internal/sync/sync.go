// Package sync flushes queued results to the backend.
//
// Results are written to the local queue first and submitted later by the
// Coordinator, which runs a pass on reconnect, on enqueue while online, on
// demand, and on a timer.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conorfennell/tutorsync/internal/connectivity"
	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/events"
)

// ErrNotQueued means a result could not be written to the local queue and
// has not been saved anywhere.
var ErrNotQueued = errors.New("result not queued")

// Reason says what started a pass.
type Reason string

const (
	ReasonReconnect Reason = "reconnect"
	ReasonEnqueue   Reason = "enqueue"
	ReasonManual    Reason = "manual"
	ReasonPeriodic  Reason = "periodic"
)

// Queue is the durable sync queue.
type Queue interface {
	SaveTestResult(ctx context.Context, nr domain.NewResult) (domain.PendingResult, error)
	GetUnsyncedTestResults(ctx context.Context) ([]domain.PendingResult, error)
	MarkTestResultAsSynced(ctx context.Context, id string) error
	RecordSyncFailure(ctx context.Context, id, reason string, nextAttempt time.Time) error
	ClearSyncQueue(ctx context.Context) (int64, error)
}

// Submitter delivers a result to the backend. A nil error means the server
// accepted it.
type Submitter interface {
	SubmitResult(ctx context.Context, r domain.PendingResult) error
}

// Config holds Coordinator settings.
type Config struct {
	BackoffMin time.Duration
	BackoffMax time.Duration
	// Interval between periodic passes. Zero disables them.
	Interval time.Duration
	Logger   *slog.Logger
	Notifier events.Notifier
	Now      func() time.Time
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		BackoffMin: time.Second,
		BackoffMax: 5 * time.Minute,
		Interval:   time.Minute,
	}
}

// Summary reports the outcome of a pass.
type Summary struct {
	Reason         Reason        `json:"reason"`
	Total          int           `json:"total"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Deferred       int           `json:"deferred"`
	Purged         int64         `json:"purged"`
	StoppedOffline bool          `json:"stoppedOffline,omitempty"`
	Shared         bool          `json:"shared,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Coordinator drains the sync queue. Passes never overlap.
type Coordinator struct {
	queue     Queue
	submitter Submitter
	monitor   *connectivity.Monitor
	config    Config

	group    singleflight.Group
	triggers chan Reason

	// ctx bounds every pass. Callers of SyncNow only bound their wait.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator returns a Coordinator. monitor may be nil, in which case the
// device is assumed online.
func NewCoordinator(queue Queue, submitter Submitter, monitor *connectivity.Monitor, config Config) *Coordinator {
	def := DefaultConfig()
	if config.BackoffMin <= 0 {
		config.BackoffMin = def.BackoffMin
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = max(def.BackoffMax, config.BackoffMin)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Notifier == nil {
		config.Notifier = events.Discard
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		queue:     queue,
		submitter: submitter,
		monitor:   monitor,
		config:    config,
		triggers:  make(chan Reason, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops the pass in flight, if any, and waits for it to return.
// Passes started after Close fail immediately.
func (c *Coordinator) Close() {
	c.cancel()
	c.group.Do("pass", func() (any, error) { return Summary{}, nil })
}

func (c *Coordinator) online() bool {
	return c.monitor == nil || c.monitor.Online()
}

// SaveResultOffline queues a result. The result is durable once this
// returns without error; any error wraps ErrNotQueued. While online it also
// schedules a pass.
func (c *Coordinator) SaveResultOffline(ctx context.Context, nr domain.NewResult) (domain.PendingResult, error) {
	r, err := c.queue.SaveTestResult(ctx, nr)
	if err != nil {
		c.config.Logger.Error("Failed to queue result", "kind", nr.Kind, "error", err)
		return domain.PendingResult{}, fmt.Errorf("%w: %w", ErrNotQueued, err)
	}
	c.config.Logger.Info("Result queued", "id", r.ID, "kind", r.Kind)
	if c.online() {
		c.Trigger(ReasonEnqueue)
	}
	return r, nil
}

// Trigger schedules a background pass. Triggers that arrive while one is
// already scheduled are merged into it.
func (c *Coordinator) Trigger(reason Reason) {
	select {
	case c.triggers <- reason:
	default:
	}
}

// SyncNow runs a pass, or joins the pass already in flight and returns its
// summary with Shared set. The pass runs until it finishes or the Coordinator
// is closed; cancelling ctx only stops the wait.
//
// A manual caller that joins a background pass which deferred entries runs
// one manual pass after it, so backed-off entries are still attempted.
func (c *Coordinator) SyncNow(ctx context.Context, reason Reason) (Summary, error) {
	summary, err := c.join(ctx, reason)
	if err == nil && reason == ReasonManual && summary.Reason != ReasonManual && summary.Deferred > 0 {
		c.config.Logger.Debug("Joined a background pass, following up with a manual pass", "joined", summary.Reason)
		return c.join(ctx, reason)
	}
	return summary, err
}

func (c *Coordinator) join(ctx context.Context, reason Reason) (Summary, error) {
	ch := c.group.DoChan("pass", func() (any, error) {
		return c.pass(c.ctx, reason)
	})
	select {
	case <-ctx.Done():
		return Summary{Reason: reason}, ctx.Err()
	case res := <-ch:
		summary, _ := res.Val.(Summary)
		summary.Shared = res.Shared
		return summary, res.Err
	}
}

// Run serves background triggers until ctx is done. It starts with a pass
// when online so results queued in an earlier session are flushed.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.monitor != nil {
		unsubscribe := c.monitor.Subscribe(func(t connectivity.Transition) {
			if t.Online {
				c.Trigger(ReasonReconnect)
			}
		})
		defer unsubscribe()
	}

	var tick <-chan time.Time
	if c.config.Interval > 0 {
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if c.online() {
		c.Trigger(ReasonPeriodic)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if c.online() {
				c.Trigger(ReasonPeriodic)
			}
		case reason := <-c.triggers:
			if _, err := c.SyncNow(ctx, reason); err != nil && ctx.Err() == nil {
				c.config.Logger.Error("Sync pass failed", "reason", reason, "error", err)
			}
		}
	}
}

func (c *Coordinator) pass(ctx context.Context, reason Reason) (Summary, error) {
	start := c.config.Now()
	summary := Summary{Reason: reason}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	results, err := c.queue.GetUnsyncedTestResults(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(results) == 0 {
		return summary, nil
	}
	summary.Total = len(results)

	logger := c.config.Logger.With("reason", reason)
	logger.Info("Starting sync pass", "pending", len(results))
	c.config.Notifier.Notify(events.New(events.SyncStart,
		fmt.Sprintf("syncing %d items", len(results)),
		map[string]any{"total": len(results), "reason": reason},
	))

	for i, r := range results {
		if ctx.Err() != nil {
			summary.Deferred += len(results) - i
			break
		}
		if reason != ReasonManual && !r.Due(c.config.Now()) {
			summary.Deferred++
			continue
		}

		if err := r.Verify(); err != nil {
			logger.Error("Queued result is corrupted", "id", r.ID, "error", err)
			c.recordFailure(ctx, r, err)
			summary.Failed++
			continue
		}

		if err := c.submitter.SubmitResult(ctx, r); err != nil {
			logger.Warn("Failed to submit result", "id", r.ID, "attempts", r.Attempts+1, "error", err)
			c.recordFailure(ctx, r, err)
			summary.Failed++
			if !c.online() {
				summary.StoppedOffline = true
				summary.Deferred += len(results) - i - 1
				logger.Info("Went offline, stopping sync pass", "remaining", len(results)-i-1)
				break
			}
			continue
		}

		// The server has the result. If the mark fails the next pass
		// resubmits it under the same Idempotency-Key.
		if err := c.queue.MarkTestResultAsSynced(ctx, r.ID); err != nil {
			logger.Error("Failed to mark result as synced", "id", r.ID, "error", err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	purged, err := c.queue.ClearSyncQueue(ctx)
	if err != nil {
		logger.Warn("Failed to purge synced results", "error", err)
	} else {
		summary.Purged = purged
	}

	summary.Duration = c.config.Now().Sub(start)
	logger.Info("Sync pass complete",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"deferred", summary.Deferred,
		"purged", summary.Purged,
		"duration", summary.Duration,
	)
	c.config.Notifier.Notify(events.New(events.SyncComplete,
		fmt.Sprintf("synced %d of %d items", summary.Succeeded, summary.Total),
		summary,
	))
	return summary, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, r domain.PendingResult, cause error) {
	next := c.config.Now().Add(c.Backoff(r.Attempts + 1))
	if err := c.queue.RecordSyncFailure(ctx, r.ID, cause.Error(), next); err != nil {
		c.config.Logger.Error("Failed to record sync failure", "id", r.ID, "error", err)
	}
}

// Backoff returns the delay before the next attempt after the given number
// of failed attempts: BackoffMin doubled per attempt, capped at BackoffMax.
func (c *Coordinator) Backoff(attempts int) time.Duration {
	d := c.config.BackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.config.BackoffMax {
			return c.config.BackoffMax
		}
	}
	return min(d, c.config.BackoffMax)
}
