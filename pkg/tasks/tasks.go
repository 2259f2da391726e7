// Package tasks is a durable at-least-once work queue backed by the
// primary database. Handlers that need retries re-schedule themselves
// with an explicit delay and attempt count, so a crashed worker never
// loses work and a poison task never spins.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("tasks")

// Task statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Task types used by the pipeline.
const (
	TypeProcessReport = "process-report"
	TypeChoppedRetry  = "chopped-retry"
	TypeRebootFixup   = "reboot-fixup"
	TypeE2SyncRetry   = "e2-sync-retry"
	TypeForward       = "forward-report"
	TypeAdjust        = "adjust-timestamps"
	TypeAdjustReverse = "adjust-timestamps-reverse"
	TypeOneReboot     = "reprocess-one-reboot"
)

// Task is one unit of queued work. Args is a JSON document owned by the
// handler for Type.
type Task struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Type      string    `gorm:"index"`
	Args      []byte    // JSON
	NotBefore time.Time `gorm:"index"`
	Attempts  int
	Status    string `gorm:"index"`
	LastError string
}

// Handler processes one task's args. A returned error marks the task
// failed; retryable work re-schedules itself before returning nil.
type Handler func(ctx context.Context, args json.RawMessage) error

// Scheduler enqueues tasks.
type Scheduler struct {
	db *gorm.DB
}

func NewScheduler(db *gorm.DB) (*Scheduler, error) {
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tasks: %w", err)
	}
	return &Scheduler{db: db}, nil
}

// Schedule enqueues a task to run no earlier than delay from now.
func (s *Scheduler) Schedule(ctx context.Context, taskType string, args interface{}, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Schedule")
	defer span.End()

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode task args: %w", err)
	}

	t := Task{
		Type:      taskType,
		Args:      raw,
		NotBefore: time.Now().UTC().Add(delay),
		Status:    StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	tasksScheduled.WithLabelValues(taskType).Inc()
	return nil
}

// Dispatcher polls for due tasks and runs their handlers.
type Dispatcher struct {
	db       *gorm.DB
	logger   *slog.Logger
	handlers map[string]Handler
	interval time.Duration
	batch    int

	shutdown chan chan struct{}
}

func NewDispatcher(db *gorm.DB, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		db:       db,
		logger:   logger.With("module", "tasks"),
		handlers: make(map[string]Handler),
		interval: interval,
		batch:    50,
		shutdown: make(chan chan struct{}),
	}
}

// Register binds a handler to a task type. Must be called before Run.
func (d *Dispatcher) Register(taskType string, h Handler) {
	d.handlers[taskType] = h
}

// Run polls until the context ends or Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher running", "interval", d.interval.String())

	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done := <-d.shutdown:
			d.logger.Info("shutting down dispatcher")
			close(done)
			return nil
		case <-t.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("dispatch pass failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) Shutdown() {
	done := make(chan struct{})
	d.shutdown <- done
	<-done
}

// RunOnce claims and runs one batch of due tasks. Exposed for tests and
// for synchronous draining.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RunOnce")
	defer span.End()

	var due []Task
	err := d.db.WithContext(ctx).
		Where("status = ? AND not_before <= ?", StatusPending, time.Now().UTC()).
		Order("not_before asc").
		Limit(d.batch).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to list due tasks: %w", err)
	}

	for i := range due {
		d.runTask(ctx, &due[i])
	}
	return nil
}

func (d *Dispatcher) runTask(ctx context.Context, t *Task) {
	// Claim with a guarded update so a concurrent dispatcher cannot run
	// the same task twice.
	res := d.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status = ?", t.ID, StatusPending).
		Updates(map[string]interface{}{"status": StatusRunning, "attempts": t.Attempts + 1})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	h, ok := d.handlers[t.Type]
	if !ok {
		d.logger.Error("no handler for task type", "type", t.Type, "id", t.ID)
		d.finish(ctx, t, StatusFailed, "no handler registered")
		return
	}

	start := time.Now()
	err := h(ctx, t.Args)
	taskDuration.WithLabelValues(t.Type).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		d.logger.Error("task failed", "type", t.Type, "id", t.ID, "error", err)
		d.finish(ctx, t, StatusFailed, err.Error())
		return
	}
	d.finish(ctx, t, StatusDone, "")
}

func (d *Dispatcher) finish(ctx context.Context, t *Task, status, lastErr string) {
	err := d.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ?", t.ID).
		Updates(map[string]interface{}{"status": status, "last_error": lastErr}).Error
	if err != nil {
		d.logger.Error("failed to finalize task", "id", t.ID, "error", err)
	}
	tasksProcessed.WithLabelValues(t.Type, status).Inc()
}
