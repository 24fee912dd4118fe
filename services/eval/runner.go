package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/telemetry"
)

// DefaultItemDelay is the pause between two items of a stage.
const DefaultItemDelay = 100 * time.Millisecond

// StageTotals is what a stage run accomplished. Completed and Failed
// include items done by an earlier run; Skipped counts those.
type StageTotals struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Cancelled bool `json:"cancelled"`
}

// Stage describes one sequential pass over work items of type I, each
// producing a record of type R.
type Stage[I, R any] struct {
	// Name labels logs and spans.
	Name string
	// Status is the task status the stage runs under. A task found in any
	// other status stops the stage.
	Status TaskStatus
	TaskID string
	// Items still to process.
	Items []I
	// DoneValid and DoneInvalid count records left by an earlier run.
	DoneValid   int
	DoneInvalid int

	// Process turns an item into a record. Errors and panics go through
	// Failed instead.
	Process func(ctx context.Context, item I) (R, error)
	// Failed builds the invalid record for an item that could not be
	// processed.
	Failed func(item I, err error) R
	// Valid reports whether a record counts as completed.
	Valid func(rec R) bool
	// Persist stores one record. An error aborts the stage.
	Persist func(ctx context.Context, rec R) error
	// Key identifies an item in logs.
	Key func(item I) string
}

// taskReader is the part of Store the runner needs.
type taskReader interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error)
}

// Runner executes stages against a task store.
type Runner struct {
	store  taskReader
	delay  time.Duration
	logger *slog.Logger
}

// NewRunner creates a runner that waits delay between items.
func NewRunner(store taskReader, delay time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, delay: delay, logger: logger.With("component", "runner")}
}

// Run processes the stage items one at a time. Before each item it
// re-reads the task and stops, with Cancelled set, once the task has left
// the stage status. Exactly one record is persisted per processed item
// and the task counters follow every record. A persistence error is
// returned as is. A done ctx stops the loop without recording the item in
// flight and returns ctx.Err().
func Run[I, R any](ctx context.Context, r *Runner, st Stage[I, R]) (totals StageTotals, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "eval.stage",
		"task_id", st.TaskID, "stage", st.Name, "items", strconv.Itoa(len(st.Items)))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := r.logger.With("task_id", st.TaskID, "stage", st.Name)

	totals = StageTotals{
		Total:     len(st.Items) + st.DoneValid + st.DoneInvalid,
		Completed: st.DoneValid,
		Failed:    st.DoneInvalid,
		Skipped:   st.DoneValid + st.DoneInvalid,
	}

	stopped, err := recordTotals(ctx, r, st, totals, false)
	if err != nil || stopped {
		totals.Cancelled = stopped
		return totals, err
	}
	logger.InfoContext(ctx, "stage started", "total", totals.Total, "skipped", totals.Skipped)

	for i, item := range st.Items {
		if err := ctx.Err(); err != nil {
			return totals, err
		}

		task, err := r.store.GetTask(ctx, st.TaskID)
		if err != nil {
			return totals, fmt.Errorf("reading task: %w", err)
		}
		if task.Status != st.Status {
			logger.InfoContext(ctx, "stage stopped", "status", task.Status, "item", i)
			totals.Cancelled = true
			return totals, nil
		}

		rec, ok := processItem(ctx, st, item, logger)
		if ctx.Err() != nil {
			return totals, ctx.Err()
		}

		if err := st.Persist(ctx, rec); err != nil {
			return totals, fmt.Errorf("persisting %s record: %w", st.Name, err)
		}
		if ok && st.Valid(rec) {
			totals.Completed++
		} else {
			totals.Failed++
		}

		stopped, err := recordTotals(ctx, r, st, totals, true)
		if err != nil {
			return totals, err
		}
		if stopped {
			logger.InfoContext(ctx, "stage stopped after item", "item", i)
			totals.Cancelled = true
			return totals, nil
		}

		if i < len(st.Items)-1 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return totals, ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}

	logger.InfoContext(ctx, "stage finished",
		"completed", totals.Completed, "failed", totals.Failed)
	return totals, nil
}

// processItem runs Process, converting errors and panics into the failed
// record. ok is false when the record came from Failed.
func processItem[I, R any](ctx context.Context, st Stage[I, R], item I, logger *slog.Logger) (rec R, ok bool) {
	key := ""
	if st.Key != nil {
		key = st.Key(item)
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "eval.item",
		"task_id", st.TaskID, "stage", st.Name, "item", key)

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			logger.WarnContext(ctx, "item failed", "item", key, "error", err)
			rec, ok = st.Failed(item, err), false
		}
		telemetry.EndSpan(span, err)
	}()

	rec, err = st.Process(ctx, item)
	return rec, err == nil
}

// recordTotals writes the stage counters and weighted progress, guarded by
// the stage status. stopped is true when the task left the stage status.
// With persisted set the counters cover a record that is already stored,
// so they are written even after the task left the stage; only the status
// guard is dropped.
func recordTotals[I, R any](ctx context.Context, r *Runner, st Stage[I, R], totals StageTotals, persisted bool) (stopped bool, err error) {
	total := totals.Total
	completed := totals.Completed
	failed := totals.Failed
	progress := StageProgress(st.Status, completed+failed, total)
	status := st.Status

	_, err = r.store.UpdateTask(ctx, st.TaskID, TaskUpdate{
		IfStatus:           &status,
		TotalQuestions:     &total,
		CompletedQuestions: &completed,
		FailedQuestions:    &failed,
		Progress:           &progress,
	})
	if errors.Is(err, ErrStatusConflict) {
		if !persisted {
			return true, nil
		}
		_, err = r.store.UpdateTask(ctx, st.TaskID, TaskUpdate{
			TotalQuestions:     &total,
			CompletedQuestions: &completed,
			FailedQuestions:    &failed,
			Progress:           &progress,
		})
		if err != nil {
			return true, fmt.Errorf("updating task counters: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating task counters: %w", err)
	}
	return false, nil
}
