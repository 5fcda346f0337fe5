package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"boardsync/domain"
)

var (
	errNotFound       = errors.New("not found")
	errDuplicateEmail = errors.New("email already registered")
	errAlreadyMember  = errors.New("user already in project")
	errNotMember      = errors.New("user not in project")
)

// store is the reference in-memory state behind the CRUD routes. It is the
// authoritative source of truth for connected clients; durability is a
// deployment concern outside this package.
type store struct {
	mu       sync.Mutex
	projects map[int64]domain.Project
	tasks    map[int64]domain.Task
	users    map[int64]domain.Member
	members  map[int64]map[int64]struct{}

	nextProject int64
	nextTask    int64
	nextUser    int64
}

func newStore() *store {
	return &store{
		projects: make(map[int64]domain.Project),
		tasks:    make(map[int64]domain.Task),
		users:    make(map[int64]domain.Member),
		members:  make(map[int64]map[int64]struct{}),
	}
}

func (s *store) listProjects() []domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *store) getProject(id int64) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("project %d: %w", id, errNotFound)
	}
	return p, nil
}

func (s *store) createProject(name string) domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProject++
	p := domain.Project{ID: s.nextProject, Name: name}
	s.projects[p.ID] = p
	s.members[p.ID] = make(map[int64]struct{})
	return p
}

func (s *store) deleteProject(id int64) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("project %d: %w", id, errNotFound)
	}
	delete(s.projects, id)
	delete(s.members, id)
	for tid, task := range s.tasks {
		if task.ProjectID == id {
			delete(s.tasks, tid)
		}
	}
	return p, nil
}

func (s *store) listTasks(projectID int64) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("project %d: %w", projectID, errNotFound)
	}
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *store) createTask(t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[t.ProjectID]; !ok {
		return domain.Task{}, fmt.Errorf("project %d: %w", t.ProjectID, errNotFound)
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if !t.Status.Valid() {
		return domain.Task{}, fmt.Errorf("invalid status %q", t.Status)
	}
	s.nextTask++
	t.ID = s.nextTask
	s.tasks[t.ID] = t
	return t, nil
}

// updateTask replaces the stored record wholesale.
func (s *store) updateTask(t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", t.ID, errNotFound)
	}
	if !t.Status.Valid() {
		return domain.Task{}, fmt.Errorf("invalid status %q", t.Status)
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *store) deleteTask(id int64) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, errNotFound)
	}
	delete(s.tasks, id)
	return t, nil
}

func (s *store) listUsers() []domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Member, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *store) createUser(u domain.Member) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return domain.Member{}, fmt.Errorf("%s: %w", u.Email, errDuplicateEmail)
		}
	}
	s.nextUser++
	u.ID = s.nextUser
	u.ProjectID = 0
	s.users[u.ID] = u
	return u, nil
}

func (s *store) deleteUser(id int64) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.Member{}, fmt.Errorf("user %d: %w", id, errNotFound)
	}
	delete(s.users, id)
	for _, members := range s.members {
		delete(members, id)
	}
	for tid, task := range s.tasks {
		if task.AssignedTo != nil && *task.AssignedTo == id {
			task.AssignedTo = nil
			s.tasks[tid] = task
		}
	}
	return u, nil
}

func (s *store) listMembers(projectID int64) ([]domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[projectID]
	if !ok {
		return nil, fmt.Errorf("project %d: %w", projectID, errNotFound)
	}
	out := make([]domain.Member, 0, len(members))
	for id := range members {
		u := s.users[id]
		u.ProjectID = projectID
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// addMember puts the user with the given name and email on the project,
// registering the user first when unknown.
func (s *store) addMember(projectID int64, name, email string) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[projectID]
	if !ok {
		return domain.Member{}, fmt.Errorf("project %d: %w", projectID, errNotFound)
	}
	user, ok := s.findByEmailLocked(email)
	if !ok {
		s.nextUser++
		user = domain.Member{ID: s.nextUser, Name: name, Email: email}
		s.users[user.ID] = user
	}
	if _, exists := members[user.ID]; exists {
		return domain.Member{}, fmt.Errorf("%s: %w", email, errAlreadyMember)
	}
	members[user.ID] = struct{}{}
	user.ProjectID = projectID
	return user, nil
}

func (s *store) removeMember(projectID int64, email string) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[projectID]
	if !ok {
		return domain.Member{}, fmt.Errorf("project %d: %w", projectID, errNotFound)
	}
	user, ok := s.findByEmailLocked(email)
	if !ok {
		return domain.Member{}, fmt.Errorf("%s: %w", email, errNotFound)
	}
	if _, exists := members[user.ID]; !exists {
		return domain.Member{}, fmt.Errorf("%s: %w", email, errNotMember)
	}
	delete(members, user.ID)
	user.ProjectID = projectID
	return user, nil
}

func (s *store) findByEmailLocked(email string) (domain.Member, bool) {
	for _, u := range s.users {
		if u.Email == email {
			return u, true
		}
	}
	return domain.Member{}, false
}
