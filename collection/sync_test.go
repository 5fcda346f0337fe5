package collection

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"boardsync/bus"
	"boardsync/domain"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func taskSync(projectID int64) *Synchronizer[domain.Task] {
	return New(func(t domain.Task) bool { return t.ProjectID == projectID }, quietLogger())
}

func TestApplyRemoteCreatedIsIdempotent(t *testing.T) {
	s := taskSync(1)
	task := domain.Task{ID: 1, Title: "First", Status: domain.StatusTodo, ProjectID: 1}

	s.ApplyRemote(domain.ActionCreated, task)
	s.ApplyRemote(domain.ActionCreated, task)

	if s.Len() != 1 {
		t.Fatalf("duplicate create produced %d records", s.Len())
	}
}

func TestApplyRemoteCreatedWithExistingIDUpdates(t *testing.T) {
	s := taskSync(1)
	s.ApplyRemote(domain.ActionCreated, domain.Task{ID: 1, Title: "Old", Status: domain.StatusTodo, ProjectID: 1})
	s.ApplyRemote(domain.ActionCreated, domain.Task{ID: 1, Title: "New", Status: domain.StatusTodo, ProjectID: 1})

	got, _ := s.Get(1)
	if got.Title != "New" {
		t.Fatalf("create-as-update did not converge: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", s.Len())
	}
}

func TestApplyRemoteUpdatedMissingIDInserts(t *testing.T) {
	s := taskSync(1)
	s.ApplyRemote(domain.ActionUpdated, domain.Task{ID: 3, Title: "Late join", Status: domain.StatusDone, ProjectID: 1})
	if s.Len() != 1 {
		t.Fatalf("update for unknown id should insert, len=%d", s.Len())
	}
}

func TestApplyRemoteDeletedAbsentIsNoop(t *testing.T) {
	s := taskSync(1)
	s.ApplyRemote(domain.ActionDeleted, domain.Task{ID: 9, ProjectID: 1})
	if s.Len() != 0 {
		t.Fatalf("unexpected records: %v", s.Snapshot())
	}
}

func TestScopeFiltering(t *testing.T) {
	s := taskSync(1)
	s.ApplyRemote(domain.ActionCreated, domain.Task{ID: 5, Title: "Other board", Status: domain.StatusTodo, ProjectID: 2})
	if s.Len() != 0 {
		t.Fatal("record from another project was not filtered")
	}
}

func TestDeleteBypassesScopeFilter(t *testing.T) {
	s := New(func(m domain.Member) bool { return m.ProjectID == 4 }, quietLogger())
	s.Load([]domain.Member{{ID: 9, Name: "Dana", Email: "dana@example.com", ProjectID: 4}})

	// A user deletion arrives without project scope on the record.
	s.ApplyRemote(domain.ActionDeleted, domain.Member{ID: 9, Name: "Dana", Email: "dana@example.com"})
	if s.Len() != 0 {
		t.Fatalf("unscoped delete not applied: %v", s.Snapshot())
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	s := taskSync(1)
	for i := int64(1); i <= 3; i++ {
		s.ApplyRemote(domain.ActionCreated, domain.Task{ID: i, ProjectID: 1, Status: domain.StatusTodo})
	}
	s.ApplyRemote(domain.ActionDeleted, domain.Task{ID: 2, ProjectID: 1})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != 1 || snap[1].ID != 3 {
		t.Fatalf("order broken after delete: %v", snap)
	}

	s.ApplyRemote(domain.ActionCreated, domain.Task{ID: 4, ProjectID: 1, Status: domain.StatusTodo})
	snap = s.Snapshot()
	if snap[len(snap)-1].ID != 4 {
		t.Fatalf("new record not appended: %v", snap)
	}
}

func TestOptimisticCommitSucceeds(t *testing.T) {
	s := taskSync(1)
	s.Load([]domain.Task{{ID: 1, Title: "Write docs", Status: domain.StatusTodo, ProjectID: 1}})

	moved := domain.Task{ID: 1, Title: "Write docs", Status: domain.StatusInProgress, ProjectID: 1}
	key := s.ApplyLocalOptimistic(domain.ActionUpdated, moved)

	got, _ := s.Get(1)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("optimistic change not visible: %+v", got)
	}

	s.ReconcileWithResponse(key, moved)
	got, _ = s.Get(1)
	if got.Status != domain.StatusInProgress || s.Len() != 1 {
		t.Fatalf("reconciled state wrong: %+v len=%d", got, s.Len())
	}
}

func TestRollbackRestoresPreviousRecord(t *testing.T) {
	s := taskSync(1)
	original := domain.Task{ID: 1, Title: "Write docs", Description: "intro page", Status: domain.StatusTodo, ProjectID: 1}
	s.Load([]domain.Task{original})

	moved := original
	moved.Status = domain.StatusDone
	key := s.ApplyLocalOptimistic(domain.ActionUpdated, moved)
	s.Rollback(key)

	got, _ := s.Get(1)
	if got != original {
		t.Fatalf("rollback did not restore the record: %+v", got)
	}
}

func TestRollbackAfterRemoteSupersedeIsNoop(t *testing.T) {
	s := taskSync(1)
	s.Load([]domain.Task{{ID: 1, Status: domain.StatusTodo, ProjectID: 1}})

	moved := domain.Task{ID: 1, Status: domain.StatusDone, ProjectID: 1}
	key := s.ApplyLocalOptimistic(domain.ActionUpdated, moved)

	// The server's own broadcast lands before the request settles.
	s.ApplyRemote(domain.ActionUpdated, domain.Task{ID: 1, Status: domain.StatusInProgress, ProjectID: 1})

	s.Rollback(key)

	got, _ := s.Get(1)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("rollback clobbered remote truth: %+v", got)
	}
}

func TestLateResponseDoesNotRevertNewerRemoteWrite(t *testing.T) {
	s := taskSync(1)
	s.Load([]domain.Task{{ID: 1, Status: domain.StatusTodo, ProjectID: 1}})

	moved := domain.Task{ID: 1, Status: domain.StatusDone, ProjectID: 1}
	key := s.ApplyLocalOptimistic(domain.ActionUpdated, moved)

	s.ApplyRemote(domain.ActionUpdated, domain.Task{ID: 1, Status: domain.StatusInProgress, ProjectID: 1})

	// The delayed response for the original "done" request finally arrives.
	s.ReconcileWithResponse(key, moved)

	got, _ := s.Get(1)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("late response reverted a newer remote write: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("duplicate record after race: %d", s.Len())
	}
}

func TestReconcileAbsorbsServerAssignedID(t *testing.T) {
	s := taskSync(1)
	draft := domain.Task{ID: -1, Title: "New card", Status: domain.StatusTodo, ProjectID: 1}
	key := s.ApplyLocalOptimistic(domain.ActionCreated, draft)

	server := draft
	server.ID = 42
	s.ReconcileWithResponse(key, server)

	if _, ok := s.Get(-1); ok {
		t.Fatal("placeholder id survived reconciliation")
	}
	got, ok := s.Get(42)
	if !ok || got.Title != "New card" {
		t.Fatalf("server record not absorbed: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", s.Len())
	}
}

func TestRollbackOfOptimisticCreateRemovesRecord(t *testing.T) {
	s := taskSync(1)
	key := s.ApplyLocalOptimistic(domain.ActionCreated, domain.Task{ID: -1, Title: "Draft", Status: domain.StatusTodo, ProjectID: 1})
	s.Rollback(key)
	if s.Len() != 0 {
		t.Fatalf("optimistic create survived rollback: %v", s.Snapshot())
	}
}

func TestRollbackOfOptimisticDeleteRestoresRecord(t *testing.T) {
	s := taskSync(1)
	task := domain.Task{ID: 1, Title: "Keep me", Status: domain.StatusTodo, ProjectID: 1}
	s.Load([]domain.Task{task})

	key := s.ApplyLocalOptimistic(domain.ActionDeleted, task)
	if s.Len() != 0 {
		t.Fatal("optimistic delete not applied")
	}
	s.Rollback(key)
	got, ok := s.Get(1)
	if !ok || got != task {
		t.Fatalf("delete rollback failed: %+v", got)
	}
}

func TestConvergenceLastWriteWins(t *testing.T) {
	remote := domain.Task{ID: 1, Title: "remote", Status: domain.StatusInProgress, ProjectID: 1}
	local := domain.Task{ID: 1, Title: "local", Status: domain.StatusDone, ProjectID: 1}

	// Local applied last wins.
	s := taskSync(1)
	s.ApplyRemote(domain.ActionCreated, remote)
	s.ApplyLocalOptimistic(domain.ActionUpdated, local)
	got, _ := s.Get(1)
	if got.Title != "local" || s.Len() != 1 {
		t.Fatalf("local-last interleaving wrong: %+v len=%d", got, s.Len())
	}

	// Remote applied last wins.
	s = taskSync(1)
	s.ApplyLocalOptimistic(domain.ActionCreated, local)
	s.ApplyRemote(domain.ActionUpdated, remote)
	got, _ = s.Get(1)
	if got.Title != "remote" || s.Len() != 1 {
		t.Fatalf("remote-last interleaving wrong: %+v len=%d", got, s.Len())
	}
}

func TestBindAppliesPushEvents(t *testing.T) {
	b := bus.New(quietLogger())
	s := taskSync(1)
	subs := s.Bind(b, domain.EntityTask)
	t.Cleanup(func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	})

	b.Publish(domain.EventTaskCreated, []byte(`{"type":"task_created","data":{"id":1,"title":"From push","status":"todo","project_id":1}}`))
	b.Publish(domain.EventTaskUpdated, []byte(`{"id":1,"title":"From push","status":"done","project_id":1}`))
	b.Publish(domain.EventTaskCreated, []byte(`{"type":"task_created","data":{"id":2,"title":"Elsewhere","status":"todo","project_id":9}}`))

	got, ok := s.Get(1)
	if !ok || got.Status != domain.StatusDone {
		t.Fatalf("push events not applied: %+v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("out-of-scope event applied, len=%d", s.Len())
	}

	b.Publish(domain.EventTaskDeleted, []byte(`{"type":"task_deleted","data":{"id":1,"title":"From push","status":"done","project_id":1}}`))
	if s.Len() != 0 {
		t.Fatal("delete event not applied")
	}
}

func TestBindMembersFlattensScope(t *testing.T) {
	b := bus.New(quietLogger())
	s := New(func(m domain.Member) bool { return m.ProjectID == 4 }, quietLogger())
	subs := s.Bind(b, domain.EntityMember)
	t.Cleanup(func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	})

	b.Publish(domain.EventMemberAdded, []byte(`{"type":"member_added","data":{"project_id":4,"user":{"id":9,"name":"Dana","email":"dana@example.com"}}}`))
	b.Publish(domain.EventUserCreated, []byte(`{"type":"user_created","data":{"id":10,"name":"Lee","email":"lee@example.com"}}`))

	if s.Len() != 1 {
		t.Fatalf("expected only the scoped member, len=%d", s.Len())
	}
	got, _ := s.Get(9)
	if got.ProjectID != 4 {
		t.Fatalf("scope not flattened onto member: %+v", got)
	}

	b.Publish(domain.EventMemberRemoved, []byte(`{"type":"member_removed","data":{"project_id":4,"user":{"id":9,"name":"Dana","email":"dana@example.com"}}}`))
	if s.Len() != 0 {
		t.Fatal("member_removed not applied")
	}
}
