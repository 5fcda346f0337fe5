// Package board implements the drag-and-drop status transition: optimistic
// apply, authoritative commit, rollback on failure, and deduplication
// against the server's own broadcast of the same change.
package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/bus"
	"boardsync/collection"
	"boardsync/domain"
)

// ErrUnknownTask is returned when a drop targets a task the board does not
// hold.
var ErrUnknownTask = errors.New("board: unknown task")

// TaskRequester is the external request function committing a task change.
// The server contract requires whole-record replacement, so the full task is
// sent, and the call is expected to eventually settle on its own; there is
// no client-side timeout beyond the caller's ctx.
type TaskRequester interface {
	UpdateTask(ctx context.Context, task domain.Task) (domain.Task, error)
}

// UpdateFailure is the payload of the task_update_failed bus event.
type UpdateFailure struct {
	TaskID int64             `json:"task_id"`
	From   domain.TaskStatus `json:"from"`
	To     domain.TaskStatus `json:"to"`
	Error  string            `json:"error"`
}

// DragReconciler commits column drops for one task collection.
type DragReconciler struct {
	tasks     *collection.Synchronizer[domain.Task]
	requester TaskRequester
	b         *bus.Bus
	logger    *log.Logger
	tracer    trace.Tracer
}

// NewDragReconciler wires the reconciler to its task collection, request
// function and bus.
func NewDragReconciler(tasks *collection.Synchronizer[domain.Task], requester TaskRequester, b *bus.Bus, logger *log.Logger) *DragReconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &DragReconciler{
		tasks:     tasks,
		requester: requester,
		b:         b,
		logger:    logger,
		tracer:    otel.Tracer("boardsync/board"),
	}
}

// Drop moves a task into the target column. The change is visible
// immediately; the authoritative write round-trips in the same call. On
// request failure the task reverts to its pre-drop record and a
// task_update_failed event is published. A server push for the same task
// arriving while the request is in flight wins over the eventual response.
func (d *DragReconciler) Drop(ctx context.Context, taskID int64, target domain.TaskStatus) error {
	if !target.Valid() {
		return fmt.Errorf("board: invalid status %q", target)
	}
	task, ok := d.tasks.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownTask, taskID)
	}
	if task.Status == target {
		// Dropping a card back onto its own column changes nothing.
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "board.commit", trace.WithAttributes(
		attribute.Int64("task.id", taskID),
		attribute.String("status.from", string(task.Status)),
		attribute.String("status.to", string(target)),
	))
	defer span.End()

	moved := task
	moved.Status = target
	key := d.tasks.ApplyLocalOptimistic(domain.ActionUpdated, moved)

	server, err := d.requester.UpdateTask(ctx, moved)
	if err != nil {
		d.tasks.Rollback(key)
		d.publishFailure(UpdateFailure{TaskID: taskID, From: task.Status, To: target, Error: err.Error()})
		d.logger.Errorf("board: move task %d to %s failed: %v", taskID, target, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return fmt.Errorf("board: move task %d: %w", taskID, err)
	}

	d.tasks.ReconcileWithResponse(key, server)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (d *DragReconciler) publishFailure(failure UpdateFailure) {
	data, err := sonic.Marshal(failure)
	if err != nil {
		d.logger.Errorf("board: encode failure event: %v", err)
		return
	}
	d.b.Publish(domain.EventTaskUpdateFailed, data)
}
