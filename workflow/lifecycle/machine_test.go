package lifecycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/c360studio/semcontrol/storage"
	"github.com/c360studio/semcontrol/workflow"
	"github.com/c360studio/semcontrol/workflow/activity"
	"github.com/c360studio/semcontrol/workflow/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []*workflow.Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task *workflow.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t.ID)
	}
	return out
}

type fixture struct {
	ctx        context.Context
	store      *storage.MemoryStore
	dispatcher *recordingDispatcher
	machine    *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	d := &recordingDispatcher{}
	return &fixture{
		ctx:        context.Background(),
		store:      store,
		dispatcher: d,
		machine: NewMachine(store,
			WithDispatcher(d),
			WithRecorder(activity.NewRecorder(store, nil, nil))),
	}
}

func (f *fixture) agent(t *testing.T, name string, master bool) *workflow.Agent {
	t.Helper()
	a, err := f.machine.RegisterAgent(f.ctx, NewAgentRequest{Name: name, IsMaster: master, WorkspaceID: "ws"})
	require.NoError(t, err)
	return a
}

func (f *fixture) task(t *testing.T, title, agentID string) *workflow.Task {
	t.Helper()
	task, err := f.machine.CreateTask(f.ctx, NewTaskRequest{Title: title, WorkspaceID: "ws", AssignedAgentID: agentID})
	require.NoError(t, err)
	return task
}

func (f *fixture) move(t *testing.T, taskID string, status workflow.TaskStatus) *workflow.Task {
	t.Helper()
	task, err := f.machine.TransitionTask(f.ctx, taskID, status, "")
	require.NoError(t, err)
	return task
}

func (f *fixture) agentStatus(t *testing.T, id string) workflow.AgentStatus {
	t.Helper()
	a, err := f.store.GetAgent(f.ctx, id)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) events(t *testing.T, types ...workflow.EventType) []*workflow.Event {
	t.Helper()
	events, err := f.store.ListEvents(f.ctx, storage.EventFilter{Types: types})
	require.NoError(t, err)
	return events
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)

	t.Run("inbox without agent", func(t *testing.T) {
		task := f.task(t, "Write docs", "")
		assert.Equal(t, workflow.TaskStatusInbox, task.Status)
		assert.Equal(t, workflow.PriorityNormal, task.Priority)
	})

	t.Run("assigned and dispatched with agent", func(t *testing.T) {
		a := f.agent(t, "builder", false)
		task := f.task(t, "Build", a.ID)
		assert.Equal(t, workflow.TaskStatusAssigned, task.Status)
		assert.Contains(t, f.dispatcher.ids(), task.ID)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := f.machine.CreateTask(f.ctx, NewTaskRequest{})
		assert.True(t, workflow.IsKind(err, workflow.KindValidation))

		_, err = f.machine.CreateTask(f.ctx, NewTaskRequest{Title: "x", Priority: "whenever"})
		assert.True(t, workflow.IsKind(err, workflow.KindValidation))
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := f.machine.CreateTask(f.ctx, NewTaskRequest{Title: "x", AssignedAgentID: "agent-missing"})
		assert.True(t, workflow.IsKind(err, workflow.KindNotFound))
	})
}

func TestTransitionTask_ApprovalGate(t *testing.T) {
	f := newFixture(t)
	worker := f.agent(t, "worker", false)
	master := f.agent(t, "lead", true)

	inReview := func() *workflow.Task {
		task := f.task(t, "Review me", worker.ID)
		f.move(t, task.ID, workflow.TaskStatusReview)
		return task
	}

	t.Run("non-master is forbidden", func(t *testing.T) {
		task := inReview()
		_, err := f.machine.TransitionTask(f.ctx, task.ID, workflow.TaskStatusDone, worker.ID)
		require.Error(t, err)
		assert.True(t, workflow.IsKind(err, workflow.KindForbidden))

		stored, err := f.store.GetTask(f.ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusReview, stored.Status)
	})

	t.Run("master approves", func(t *testing.T) {
		task := inReview()
		done, err := f.machine.TransitionTask(f.ctx, task.ID, workflow.TaskStatusDone, master.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusDone, done.Status)
	})

	t.Run("unattended approval is allowed", func(t *testing.T) {
		task := inReview()
		done := f.move(t, task.ID, workflow.TaskStatusDone)
		assert.Equal(t, workflow.TaskStatusDone, done.Status)
	})

	t.Run("gate only applies from review", func(t *testing.T) {
		task := f.task(t, "Skip review", worker.ID)
		_, err := f.machine.TransitionTask(f.ctx, task.ID, workflow.TaskStatusDone, worker.ID)
		assert.NoError(t, err)
	})

	t.Run("unknown requester", func(t *testing.T) {
		task := inReview()
		_, err := f.machine.TransitionTask(f.ctx, task.ID, workflow.TaskStatusDone, "agent-ghost")
		assert.True(t, workflow.IsKind(err, workflow.KindNotFound))
	})
}

func TestTransitionTask_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.TransitionTask(f.ctx, "task-missing", workflow.TaskStatusAssigned, "")
	assert.True(t, workflow.IsKind(err, workflow.KindNotFound))

	task := f.task(t, "x", "")
	_, err = f.machine.TransitionTask(f.ctx, task.ID, "archived", "")
	assert.True(t, workflow.IsKind(err, workflow.KindValidation))
}

func TestTransitionTask_NoOp(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "worker", false)
	task := f.task(t, "x", a.ID)
	before := len(f.events(t))
	dispatched := len(f.dispatcher.ids())

	got := f.move(t, task.ID, workflow.TaskStatusAssigned)
	assert.Equal(t, workflow.TaskStatusAssigned, got.Status)
	assert.Len(t, f.events(t), before)
	assert.Len(t, f.dispatcher.ids(), dispatched)
}

func TestTransitionTask_RecordsEvent(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "x", "")
	f.move(t, task.ID, workflow.TaskStatusPlanning)

	events := f.events(t, workflow.EventTaskStatusChanged)
	require.Len(t, events, 1)
	assert.Equal(t, "inbox", events[0].Metadata["from"])
	assert.Equal(t, "planning", events[0].Metadata["to"])
}

func TestTransitionTask_AutoDispatch(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "worker", false)
	task := f.task(t, "x", a.ID)
	f.move(t, task.ID, workflow.TaskStatusInbox)
	f.move(t, task.ID, workflow.TaskStatusAssigned)

	assert.Equal(t, []string{task.ID, task.ID}, f.dispatcher.ids())

	unbound := f.task(t, "unbound", "")
	f.move(t, unbound.ID, workflow.TaskStatusAssigned)
	assert.NotContains(t, f.dispatcher.ids(), unbound.ID)
}

func TestTransitionTask_DispatchFailureIsNotRolledBack(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := activity.NewRecorder(store, nil, nil)
	trigger := dispatch.NewTrigger(failingPublisher{}, dispatch.WithRecorder(recorder))
	m := NewMachine(store, WithDispatcher(trigger), WithRecorder(recorder))
	ctx := context.Background()

	a, err := m.RegisterAgent(ctx, NewAgentRequest{Name: "worker"})
	require.NoError(t, err)
	task, err := m.CreateTask(ctx, NewTaskRequest{Title: "x"})
	require.NoError(t, err)

	_, err = m.ReassignTask(ctx, task.ID, a.ID)
	require.NoError(t, err)
	trigger.Wait()

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusAssigned, stored.Status)
	assert.Equal(t, a.ID, stored.AssignedAgentID)

	failed, err := store.ListEvents(ctx, storage.EventFilter{Types: []workflow.EventType{workflow.EventTaskDispatchFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

type failingPublisher struct{}

func (failingPublisher) PublishToStream(context.Context, string, []byte) error {
	return errors.New("stream down")
}

func TestReassignTask(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "a", false)
	b := f.agent(t, "b", false)

	t.Run("inbox task becomes assigned", func(t *testing.T) {
		task := f.task(t, "x", "")
		got, err := f.machine.ReassignTask(f.ctx, task.ID, a.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusAssigned, got.Status)
		assert.Contains(t, f.dispatcher.ids(), task.ID)
	})

	t.Run("unchanged is a no-op", func(t *testing.T) {
		task := f.task(t, "y", a.ID)
		before := len(f.events(t))
		_, err := f.machine.ReassignTask(f.ctx, task.ID, a.ID)
		require.NoError(t, err)
		assert.Len(t, f.events(t), before)
	})

	t.Run("moving in-progress work moves working label", func(t *testing.T) {
		task := f.task(t, "z", a.ID)
		f.move(t, task.ID, workflow.TaskStatusInProgress)
		require.Equal(t, workflow.AgentStatusWorking, f.agentStatus(t, a.ID))

		_, err := f.machine.ReassignTask(f.ctx, task.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.AgentStatusStandby, f.agentStatus(t, a.ID))
		assert.Equal(t, workflow.AgentStatusWorking, f.agentStatus(t, b.ID))

		f.move(t, task.ID, workflow.TaskStatusDone)
	})

	t.Run("unbinding assigned task returns it to inbox", func(t *testing.T) {
		task := f.task(t, "w", a.ID)
		got, err := f.machine.ReassignTask(f.ctx, task.ID, "")
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusInbox, got.Status)
		assert.Empty(t, got.AssignedAgentID)
	})

	t.Run("unknown agent", func(t *testing.T) {
		task := f.task(t, "v", "")
		_, err := f.machine.ReassignTask(f.ctx, task.ID, "agent-ghost")
		assert.True(t, workflow.IsKind(err, workflow.KindNotFound))
	})
}

func TestAgentStatusConvergence(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "A", false)
	t1 := f.task(t, "one", a.ID)
	t2 := f.task(t, "two", a.ID)
	f.move(t, t1.ID, workflow.TaskStatusInProgress)
	f.move(t, t2.ID, workflow.TaskStatusInProgress)
	require.Equal(t, workflow.AgentStatusWorking, f.agentStatus(t, a.ID))

	f.move(t, t1.ID, workflow.TaskStatusDone)
	assert.Equal(t, workflow.AgentStatusWorking, f.agentStatus(t, a.ID))

	f.move(t, t2.ID, workflow.TaskStatusReview)
	assert.Equal(t, workflow.AgentStatusStandby, f.agentStatus(t, a.ID))
}

func TestSyncAgentStatus_OfflineIsSticky(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "A", false)
	task := f.task(t, "x", a.ID)

	_, err := f.machine.SetAgentPresence(f.ctx, a.ID, false)
	require.NoError(t, err)

	f.move(t, task.ID, workflow.TaskStatusInProgress)
	assert.Equal(t, workflow.AgentStatusOffline, f.agentStatus(t, a.ID))

	got, err := f.machine.SetAgentPresence(f.ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, workflow.AgentStatusWorking, got.Status)

	f.move(t, task.ID, workflow.TaskStatusTesting)
	assert.Equal(t, workflow.AgentStatusStandby, f.agentStatus(t, a.ID))
}

func TestSyncAgentStatus_NoChangeWithoutWork(t *testing.T) {
	f := newFixture(t)
	a := f.agent(t, "A", false)

	got, err := f.machine.SyncAgentStatus(f.ctx, a.ID, workflow.TaskStatusPlanning)
	require.NoError(t, err)
	assert.Equal(t, workflow.AgentStatusStandby, got.Status)
	assert.Empty(t, f.events(t, workflow.EventAgentStatusChanged))

	_, err = f.machine.SyncAgentStatus(f.ctx, "agent-ghost", workflow.TaskStatusDone)
	assert.True(t, workflow.IsKind(err, workflow.KindNotFound))
}

// After any sequence of sequential transitions and reassignments, every
// online agent is working exactly when it has in_progress work.
func TestAgentStatusInvariant_RandomWalk(t *testing.T) {
	f := newFixture(t)
	agents := []*workflow.Agent{f.agent(t, "a", false), f.agent(t, "b", false), f.agent(t, "c", true)}
	var tasks []*workflow.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, f.task(t, "task", agents[i%len(agents)].ID))
	}
	statuses := workflow.AllTaskStatuses()
	rng := rand.New(rand.NewPCG(7, 11))

	for step := 0; step < 300; step++ {
		task := tasks[rng.IntN(len(tasks))]
		if rng.IntN(4) == 0 {
			agent := agents[rng.IntN(len(agents))]
			_, err := f.machine.ReassignTask(f.ctx, task.ID, agent.ID)
			require.NoError(t, err)
		} else {
			_, err := f.machine.TransitionTask(f.ctx, task.ID, statuses[rng.IntN(len(statuses))], "")
			require.NoError(t, err)
		}

		for _, a := range agents {
			n, err := f.store.CountTasks(f.ctx, storage.TaskFilter{
				AssignedAgentID: a.ID,
				Statuses:        []workflow.TaskStatus{workflow.TaskStatusInProgress},
			})
			require.NoError(t, err)
			want := workflow.AgentStatusStandby
			if n > 0 {
				want = workflow.AgentStatusWorking
			}
			require.Equal(t, want, f.agentStatus(t, a.ID), "step %d agent %s", step, a.Name)
		}
	}
}
