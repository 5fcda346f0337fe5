// Package collection keeps one in-memory entity collection converged with
// the server: remote create/update/delete events merge in with last-write-
// wins semantics, local mutations apply optimistically, and a pending
// mutation that loses the race to a server push is discarded rather than
// rolled back over newer remote truth.
package collection

import (
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/bus"
	"boardsync/domain"
)

// Record is any entity addressable by its numeric id. Id uniqueness within a
// collection is an invariant the synchronizer maintains.
type Record interface {
	RecordID() int64
}

type pendingMutation[R Record] struct {
	recordID    int64
	previous    R
	hadPrevious bool
	// superseded is set when a remote event for the same id arrived while
	// the mutation's request was in flight: the remote write is authoritative
	// and the pending mutation must neither reconcile nor roll back.
	superseded bool
}

// Synchronizer holds the collection for one entity kind, optionally filtered
// to one scope (e.g. the tasks of a single project).
type Synchronizer[R Record] struct {
	logger *log.Logger
	scope  func(R) bool

	mu      sync.Mutex
	recs    []R
	index   map[int64]int
	pending map[string]*pendingMutation[R]
	live    map[int64]string
}

// New creates an empty synchronizer. scope may be nil to accept every record
// of the kind; records rejected by scope are ignored entirely.
func New[R Record](scope func(R) bool, logger *log.Logger) *Synchronizer[R] {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Synchronizer[R]{
		logger:  logger,
		scope:   scope,
		index:   make(map[int64]int),
		pending: make(map[string]*pendingMutation[R]),
		live:    make(map[int64]string),
	}
}

// Load replaces the collection contents, typically with the result of the
// initial fetch. Pending mutations are dropped.
func (s *Synchronizer[R]) Load(recs []R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = s.recs[:0]
	s.index = make(map[int64]int)
	s.pending = make(map[string]*pendingMutation[R])
	s.live = make(map[int64]string)
	for _, rec := range recs {
		if s.scope != nil && !s.scope(rec) {
			continue
		}
		s.upsertLocked(rec)
	}
}

// ApplyRemote merges a server-pushed change into the collection. A created
// event for an id already present is treated as an update, so the server
// echo of an optimistic insert never produces a duplicate row. Any pending
// mutation for the same id is marked superseded.
//
// Deletes skip the scope filter: some delete events carry the record without
// its scope fields (a user deletion does not name the projects the user was
// on), and removal by id is harmless when the record was never held.
func (s *Synchronizer[R]) ApplyRemote(action domain.Action, rec R) {
	if action != domain.ActionDeleted && s.scope != nil && !s.scope(rec) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supersedeLocked(rec.RecordID())

	switch action {
	case domain.ActionCreated, domain.ActionUpdated:
		s.upsertLocked(rec)
	case domain.ActionDeleted:
		s.removeLocked(rec.RecordID())
	}
}

// ApplyLocalOptimistic applies a local mutation immediately, without waiting
// for server confirmation, and returns the key of the pending mutation to
// settle later with ReconcileWithResponse or Rollback.
func (s *Synchronizer[R]) ApplyLocalOptimistic(action domain.Action, rec R) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.RecordID()
	p := &pendingMutation[R]{recordID: id}
	if idx, ok := s.index[id]; ok {
		p.previous = s.recs[idx]
		p.hadPrevious = true
	}

	switch action {
	case domain.ActionCreated, domain.ActionUpdated:
		s.upsertLocked(rec)
	case domain.ActionDeleted:
		s.removeLocked(id)
	}

	key := uuid.NewString()
	if old, ok := s.live[id]; ok {
		// A newer local mutation supersedes an unsettled older one.
		delete(s.pending, old)
	}
	s.pending[key] = p
	s.live[id] = key
	return key
}

// ReconcileWithResponse absorbs the authoritative record returned by the
// server for a pending mutation. Server-assigned fields (the id of a create)
// replace the optimistic ones. If a remote event superseded the mutation
// while its request was in flight, the response is discarded: a later remote
// write is never overwritten by an earlier response.
func (s *Synchronizer[R]) ReconcileWithResponse(key string, server R) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	if s.live[p.recordID] == key {
		delete(s.live, p.recordID)
	}
	if p.superseded {
		return
	}

	if server.RecordID() != p.recordID {
		// Create: the optimistic record carried a placeholder id.
		s.removeLocked(p.recordID)
	}
	s.upsertLocked(server)
}

// Rollback restores the pre-optimistic state after a failed request. It is a
// no-op when a remote event already superseded the mutation.
func (s *Synchronizer[R]) Rollback(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	if s.live[p.recordID] == key {
		delete(s.live, p.recordID)
	}
	if p.superseded {
		return
	}

	if p.hadPrevious {
		s.upsertLocked(p.previous)
	} else {
		s.removeLocked(p.recordID)
	}
}

// Snapshot returns a copy of the collection in local arrival order.
func (s *Synchronizer[R]) Snapshot() []R {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]R(nil), s.recs...)
}

// Get returns the record with the given id.
func (s *Synchronizer[R]) Get(id int64) (R, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero R
	idx, ok := s.index[id]
	if !ok {
		return zero, false
	}
	return s.recs[idx], true
}

// Len returns the number of records currently held.
func (s *Synchronizer[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *Synchronizer[R]) supersedeLocked(id int64) {
	if key, ok := s.live[id]; ok {
		if p, ok := s.pending[key]; ok {
			p.superseded = true
		}
		delete(s.live, id)
	}
}

func (s *Synchronizer[R]) upsertLocked(rec R) {
	id := rec.RecordID()
	if idx, ok := s.index[id]; ok {
		s.recs[idx] = rec
		return
	}
	s.index[id] = len(s.recs)
	s.recs = append(s.recs, rec)
}

func (s *Synchronizer[R]) removeLocked(id int64) {
	idx, ok := s.index[id]
	if !ok {
		return
	}
	s.recs = append(s.recs[:idx], s.recs[idx+1:]...)
	delete(s.index, id)
	for i := idx; i < len(s.recs); i++ {
		s.index[s.recs[i].RecordID()] = i
	}
}

// Bind subscribes the synchronizer to every push event feeding the given
// entity kind on b. Payloads go through domain.Normalize first, so the
// synchronizer only ever sees the canonical envelope. The returned
// subscriptions belong to the caller and must be canceled on teardown.
func (s *Synchronizer[R]) Bind(b *bus.Bus, entity domain.EntityType) []*bus.Subscription {
	events := domain.EntityEvents(entity)
	subs := make([]*bus.Subscription, 0, len(events))
	for _, event := range events {
		event := event
		subs = append(subs, b.Subscribe(event, func(payload []byte) {
			env, err := domain.Normalize(event, payload)
			if err != nil {
				s.logger.Errorf("collection: %v", err)
				return
			}
			var rec R
			if err := sonic.Unmarshal(env.Data, &rec); err != nil {
				s.logger.Errorf("collection: decode %s record: %v", event, err)
				return
			}
			s.ApplyRemote(env.Action, rec)
		}))
	}
	return subs
}
