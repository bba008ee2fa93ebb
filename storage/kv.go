package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semcontrol/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketTasks  = "SEMCONTROL_TASKS"
	BucketAgents = "SEMCONTROL_AGENTS"
	BucketEvents = "SEMCONTROL_EVENTS"
)

// KVStore is a Store backed by NATS JetStream key-value buckets.
//
// Updates use the revision of the entry that was read, so a write that
// races another writer fails with ErrConcurrentUpdate instead of silently
// overwriting it. Events are keyed by creation time so key order is log order.
type KVStore struct {
	tasks  jetstream.KeyValue
	agents jetstream.KeyValue
	events jetstream.KeyValue
}

// NewKVStore opens the buckets, creating any that don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	tasks, err := getOrCreateBucket(ctx, js, BucketTasks, 5)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	agents, err := getOrCreateBucket(ctx, js, BucketAgents, 5)
	if err != nil {
		return nil, fmt.Errorf("create agents bucket: %w", err)
	}

	events, err := getOrCreateBucket(ctx, js, BucketEvents, 1)
	if err != nil {
		return nil, fmt.Errorf("create events bucket: %w", err)
	}

	return &KVStore{tasks: tasks, agents: agents, events: events}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semcontrol %s storage", strings.ToLower(strings.TrimPrefix(name, "SEMCONTROL_"))),
		History:     history,
	})
}

// CreateTask stores a new task.
func (s *KVStore) CreateTask(ctx context.Context, t *workflow.Task) error {
	if err := prepareTask(t); err != nil {
		return err
	}
	return kvCreate(ctx, s.tasks, t.ID, t)
}

// GetTask retrieves a task by ID.
func (s *KVStore) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var t workflow.Task
	if _, err := kvGet(ctx, s.tasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask replaces an existing task.
func (s *KVStore) UpdateTask(ctx context.Context, t *workflow.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return kvUpdate(ctx, s.tasks, t.ID, func() any {
		t.UpdatedAt = nowUTC()
		return t
	})
}

// ListTasks returns matching tasks, oldest first.
func (s *KVStore) ListTasks(ctx context.Context, f TaskFilter) ([]*workflow.Task, error) {
	tasks := make([]*workflow.Task, 0)
	err := kvScan(ctx, s.tasks, func(data []byte) {
		var t workflow.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return
		}
		if f.Matches(&t) {
			tasks = append(tasks, &t)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sortTasks(tasks)
	return tasks, nil
}

// CountTasks counts matching tasks.
func (s *KVStore) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	tasks, err := s.ListTasks(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// CreateAgent stores a new agent.
func (s *KVStore) CreateAgent(ctx context.Context, a *workflow.Agent) error {
	if err := prepareAgent(a); err != nil {
		return err
	}
	return kvCreate(ctx, s.agents, a.ID, a)
}

// GetAgent retrieves an agent by ID.
func (s *KVStore) GetAgent(ctx context.Context, id string) (*workflow.Agent, error) {
	var a workflow.Agent
	if _, err := kvGet(ctx, s.agents, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAgent replaces an existing agent.
func (s *KVStore) UpdateAgent(ctx context.Context, a *workflow.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return kvUpdate(ctx, s.agents, a.ID, func() any {
		a.UpdatedAt = nowUTC()
		return a
	})
}

// ListAgents returns matching agents, oldest first.
func (s *KVStore) ListAgents(ctx context.Context, f AgentFilter) ([]*workflow.Agent, error) {
	agents := make([]*workflow.Agent, 0)
	err := kvScan(ctx, s.agents, func(data []byte) {
		var a workflow.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return
		}
		if f.Matches(&a) {
			agents = append(agents, &a)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	sortAgents(agents)
	return agents, nil
}

// AppendEvent appends to the event log.
func (s *KVStore) AppendEvent(ctx context.Context, e *workflow.Event) error {
	if err := prepareEvent(e); err != nil {
		return err
	}
	return kvCreate(ctx, s.events, eventKey(e), e)
}

// ListEvents returns matching events, oldest first.
func (s *KVStore) ListEvents(ctx context.Context, f EventFilter) ([]*workflow.Event, error) {
	events := make([]*workflow.Event, 0)
	err := kvScan(ctx, s.events, func(data []byte) {
		var e workflow.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		if f.Matches(&e) {
			events = append(events, &e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	sortEvents(events)
	return applyLimit(events, f.Limit), nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *KVStore) Close() error {
	return nil
}

// eventKey orders events lexically by creation time.
func eventKey(e *workflow.Event) string {
	return fmt.Sprintf("%020d.%s", e.CreatedAt.UnixNano(), e.ID)
}

func kvCreate(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func kvGet(ctx context.Context, kv jetstream.KeyValue, key string, v any) (uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return entry.Revision(), nil
}

// kvUpdate writes the value produced by next against the current revision.
func kvUpdate(ctx context.Context, kv jetstream.KeyValue, key string, next func() any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}

	data, err := json.Marshal(next())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if _, err := kv.Update(ctx, key, data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrConcurrentUpdate
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func kvScan(ctx context.Context, kv jetstream.KeyValue, fn func([]byte)) error {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		fn(entry.Value())
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

var _ Store = (*KVStore)(nil)
