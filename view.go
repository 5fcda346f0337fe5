package boardsync

import (
	"context"
	"fmt"
	"sync"

	"boardsync/board"
	"boardsync/bus"
	"boardsync/collection"
	"boardsync/domain"
)

// ProjectView is the live state of one project: its tasks and members, kept
// converged with server pushes, plus the drag reconciler for moving tasks
// between status columns. Views share the client's transport; closing one
// only releases its own bus subscriptions.
type ProjectView struct {
	ProjectID int64

	Tasks   *collection.Synchronizer[domain.Task]
	Members *collection.Synchronizer[domain.Member]

	drag      *board.DragReconciler
	subs      []*bus.Subscription
	closeOnce sync.Once
}

// ProjectView fetches the project's tasks and members and returns a view
// following their push events until closed.
func (c *Client) ProjectView(ctx context.Context, projectID int64) (*ProjectView, error) {
	tasks := collection.New[domain.Task](func(t domain.Task) bool { return t.ProjectID == projectID }, c.logger)
	members := collection.New[domain.Member](func(m domain.Member) bool { return m.ProjectID == projectID }, c.logger)

	subs := tasks.Bind(c.b, domain.EntityTask)
	subs = append(subs, members.Bind(c.b, domain.EntityMember)...)

	release := func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}

	taskRecs, err := c.api.ProjectTasks(ctx, projectID)
	if err != nil {
		release()
		return nil, fmt.Errorf("boardsync: fetch tasks for project %d: %w", projectID, err)
	}
	memberRecs, err := c.api.ProjectMembers(ctx, projectID)
	if err != nil {
		release()
		return nil, fmt.Errorf("boardsync: fetch members for project %d: %w", projectID, err)
	}
	tasks.Load(taskRecs)
	members.Load(memberRecs)

	return &ProjectView{
		ProjectID: projectID,
		Tasks:     tasks,
		Members:   members,
		drag:      board.NewDragReconciler(tasks, c.api, c.b, c.logger),
		subs:      subs,
	}, nil
}

// Drop moves a task to the target status column: the change applies
// optimistically, commits through the server, and rolls back on rejection
// unless a newer push already superseded it.
func (v *ProjectView) Drop(ctx context.Context, taskID int64, target domain.TaskStatus) error {
	return v.drag.Drop(ctx, taskID, target)
}

// Close releases the view's bus subscriptions. The transport and any other
// views stay untouched.
func (v *ProjectView) Close() {
	v.closeOnce.Do(func() {
		for _, sub := range v.subs {
			sub.Cancel()
		}
	})
}
