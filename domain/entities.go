package domain

// TaskStatus is the board column a task currently sits in.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the known board columns.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Project is a shared board grouping tasks and members.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RecordID returns the collection identity of the project.
func (p Project) RecordID() int64 { return p.ID }

// Task is a single board item. Updates over the wire always carry the full
// record, never a partial patch.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	ProjectID   int64      `json:"project_id"`
	AssignedTo  *int64     `json:"assigned_to,omitempty"`
}

// RecordID returns the collection identity of the task.
func (t Task) RecordID() int64 { return t.ID }

// Member is a user, optionally scoped to a project when it arrived through a
// member_added/member_removed push.
type Member struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	ProjectID int64  `json:"project_id,omitempty"`
}

// RecordID returns the collection identity of the member.
func (m Member) RecordID() int64 { return m.ID }
