package domain

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Push-channel event names. The entity events are what the server broadcasts;
// the remaining names only ever travel on the in-process bus.
const (
	EventProjectCreated = "project_created"
	EventProjectUpdated = "project_updated"
	EventProjectDeleted = "project_deleted"

	EventTaskCreated = "task_created"
	EventTaskUpdated = "task_updated"
	EventTaskDeleted = "task_deleted"

	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"

	EventUserCreated = "user_created"
	EventUserDeleted = "user_deleted"

	// EventConnectionEstablished is the server hello carrying the connection id.
	EventConnectionEstablished = "connection_established"

	// EventConnectionStatus is bus-only: published by the transport and
	// reconnector, consumed by the status store.
	EventConnectionStatus = "connection_status"

	// EventTaskUpdateFailed is bus-only: a committed optimistic change was
	// rejected by the server and has been rolled back.
	EventTaskUpdateFailed = "task_update_failed"
)

// EntityType partitions the push stream into per-kind collections.
type EntityType string

const (
	EntityProject EntityType = "project"
	EntityTask    EntityType = "task"
	EntityMember  EntityType = "member"
)

// Action is the canonical mutation kind carried by an Envelope.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Envelope is the one canonical shape entity events are normalized into at
// the bus boundary. Data always holds the record itself; the per-event
// wrapping quirks of the wire protocol never travel past Normalize.
type Envelope struct {
	Entity EntityType      `json:"entityType"`
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

var eventRouting = map[string]struct {
	entity EntityType
	action Action
}{
	EventProjectCreated: {EntityProject, ActionCreated},
	EventProjectUpdated: {EntityProject, ActionUpdated},
	EventProjectDeleted: {EntityProject, ActionDeleted},
	EventTaskCreated:    {EntityTask, ActionCreated},
	EventTaskUpdated:    {EntityTask, ActionUpdated},
	EventTaskDeleted:    {EntityTask, ActionDeleted},
	EventMemberAdded:    {EntityMember, ActionCreated},
	EventMemberRemoved:  {EntityMember, ActionDeleted},
	EventUserCreated:    {EntityMember, ActionCreated},
	EventUserDeleted:    {EntityMember, ActionDeleted},
}

// EntityEvents returns the wire event names that feed the given entity kind.
func EntityEvents(entity EntityType) []string {
	switch entity {
	case EntityProject:
		return []string{EventProjectCreated, EventProjectUpdated, EventProjectDeleted}
	case EntityTask:
		return []string{EventTaskCreated, EventTaskUpdated, EventTaskDeleted}
	case EntityMember:
		return []string{EventMemberAdded, EventMemberRemoved, EventUserCreated, EventUserDeleted}
	}
	return nil
}

// IsEntityEvent reports whether name is a server entity event that Normalize
// understands.
func IsEntityEvent(name string) bool {
	_, ok := eventRouting[name]
	return ok
}

// memberPayload is the shape of member_added / member_removed events: the
// user record nested beside its project scope.
type memberPayload struct {
	ProjectID int64  `json:"project_id"`
	User      Member `json:"user"`
}

// Normalize converts a raw push event payload into the canonical envelope.
// The wire is inconsistent: most events wrap the record as {"type": ...,
// "data": record}, some deliver the bare record, and member events nest the
// user inside {"project_id", "user"}. All of that is absorbed here.
func Normalize(event string, payload []byte) (Envelope, error) {
	route, ok := eventRouting[event]
	if !ok {
		return Envelope{}, fmt.Errorf("domain: %q is not an entity event", event)
	}

	data := unwrap(payload)

	if event == EventMemberAdded || event == EventMemberRemoved {
		var mp memberPayload
		if err := sonic.Unmarshal(data, &mp); err != nil {
			return Envelope{}, fmt.Errorf("domain: decode %s payload: %w", event, err)
		}
		mp.User.ProjectID = mp.ProjectID
		flat, err := sonic.Marshal(mp.User)
		if err != nil {
			return Envelope{}, fmt.Errorf("domain: encode %s member: %w", event, err)
		}
		data = flat
	}

	return Envelope{Entity: route.entity, Action: route.action, Data: data}, nil
}

// unwrap strips the {"type": ..., "data": ...} wrapping when present and
// returns the payload unchanged when the event arrived as a bare record.
func unwrap(payload []byte) json.RawMessage {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := sonic.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Data) > 0 {
		return wrapped.Data
	}
	return payload
}
