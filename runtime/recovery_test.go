package runtime

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/swarmflow/store/mem"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

/**
 * Replaying the log into a fresh orchestrator must land on the exact
 * state the old one was in, including retry counters and the registry.
 */
func TestReplayEquivalence(t *testing.T) {
	backing := mem.NewMemLog()
	rig1 := newTestRigOn(backing, nil)
	rig1.addServer("http://gpu-0:9000")
	ctx := context.Background()

	spec := diamondSpec()
	execID, err := rig1.orch.Execute(ctx, spec)
	require.Nil(t, err)

	require.Eventually(t, func() bool { return rig1.dispatcher.sentCount() == 1 }, waitFor, tick)
	taskA, _ := rig1.dispatcher.lastTaskFor("a")
	require.Nil(t, rig1.complete(taskA, refOut("out", spec.ID, "http://gpu-0:9000", 4096)))

	require.Eventually(t, func() bool { return rig1.dispatcher.sentCount() == 3 }, waitFor, tick)
	taskB, _ := rig1.dispatcher.lastTaskFor("b")
	require.Nil(t, rig1.fail(taskB, "transient", false))

	// wait until c is acknowledged running before snapshotting
	require.Eventually(t, func() bool {
		st, err := rig1.orch.Status(execID)
		return err == nil && nodeStatus(st, "c").State == types.NodeRunning
	}, waitFor, tick)
	before, err := rig1.orch.Status(execID)
	require.Nil(t, err)

	// crash: rig1 is abandoned, a new orchestrator replays the same log
	rig2 := newTestRigOn(backing, nil)
	taskC, _ := rig1.dispatcher.lastTaskFor("c")
	rig2.dispatcher.polls[taskC] = types.TaskStatusReply{
		TaskID: taskC,
		Phase:  types.TaskPhaseRunning,
	}
	require.Nil(t, rig2.orch.Recover(ctx))

	after, err := rig2.orch.Status(execID)
	require.Nil(t, err)
	assert.Equal(t, before.State, after.State)
	require.Len(t, after.Nodes, len(before.Nodes))
	for i := range before.Nodes {
		assert.Equal(t, before.Nodes[i].State, after.Nodes[i].State, before.Nodes[i].ID)
		assert.Equal(t, before.Nodes[i].Retries, after.Nodes[i].Retries, before.Nodes[i].ID)
	}

	// the registry came back too
	refs := rig2.refs.OwnedBy(spec.ID)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(4096), refs[0].SizeBytes)

	// and the fleet membership
	assert.Len(t, rig2.fleet.Healthy(), 1)
}

/**
 * A task that finished while the orchestrator was down is resolved by
 * the reconciliation poll, and its downstream nodes keep going.
 */
func TestRecoverReconcilesRunningTaskToDone(t *testing.T) {
	backing := mem.NewMemLog()
	rig1 := newTestRigOn(backing, nil)
	rig1.addServer("http://gpu-0:9000")
	ctx := context.Background()

	spec := chainSpec()
	execID, err := rig1.orch.Execute(ctx, spec)
	require.Nil(t, err)
	require.Eventually(t, func() bool { return rig1.dispatcher.sentCount() == 1 }, waitFor, tick)
	task1, _ := rig1.dispatcher.lastTaskFor("first")

	rig2 := newTestRigOn(backing, nil)
	rig2.dispatcher.polls[task1] = types.TaskStatusReply{
		TaskID:  task1,
		Phase:   types.TaskPhaseComplete,
		Outputs: []types.TaskOutput{valueOut("out", 42)},
	}
	require.Nil(t, rig2.orch.Recover(ctx))

	// reconciliation marked first Done and dispatched second
	require.Eventually(t, func() bool { return rig2.dispatcher.sentCount() == 1 }, waitFor, tick)
	task2, ok := rig2.dispatcher.lastTaskFor("second")
	require.True(t, ok)
	require.Nil(t, rig2.complete(task2))

	st, err := rig2.orch.Status(execID)
	require.Nil(t, err)
	assert.Equal(t, types.ExecCompleted, st.State)
	assert.Equal(t, types.NodeDone, nodeStatus(st, "first").State)
	assert.Equal(t, types.NodeDone, nodeStatus(st, "second").State)
}

func TestRecoverUnknownTaskRetries(t *testing.T) {
	backing := mem.NewMemLog()
	rig1 := newTestRigOn(backing, nil)
	rig1.addServer("http://gpu-0:9000")
	ctx := context.Background()

	execID, err := rig1.orch.Execute(ctx, chainSpec())
	require.Nil(t, err)
	require.Eventually(t, func() bool { return rig1.dispatcher.sentCount() == 1 }, waitFor, tick)

	// the server forgot the task; the poll answers unknown
	rig2 := newTestRigOn(backing, nil)
	require.Nil(t, rig2.orch.Recover(ctx))

	require.Eventually(t, func() bool {
		st, err := rig2.orch.Status(execID)
		return err == nil && nodeStatus(st, "first").State == types.NodePending &&
			nodeStatus(st, "first").Retries == 1
	}, waitFor, tick)
}

/**
 * A log record referencing a node the workflow does not have poisons
 * only its own execution. Other executions resume untouched.
 */
func TestQuarantineIsPerExecution(t *testing.T) {
	backing := mem.NewMemLog()
	ctx := context.Background()
	eventLog := wal.New(backing)

	poisoned := diamondSpec()
	poisonedExec := uuid.New()
	_, err := eventLog.Append(ctx, types.Event{
		Kind:        types.EventWorkflowStarted,
		ExecutionID: poisonedExec,
		WorkflowID:  poisoned.ID,
		Spec:        &poisoned,
	})
	require.Nil(t, err)
	_, err = eventLog.Append(ctx, types.Event{
		Kind:        types.EventNodeScheduled,
		ExecutionID: poisonedExec,
		Node:        "ghost",
		Server:      "http://gpu-0:9000",
		TaskID:      uuid.New(),
	})
	require.Nil(t, err)

	healthy := chainSpec()
	healthyExec := uuid.New()
	_, err = eventLog.Append(ctx, types.Event{
		Kind:        types.EventWorkflowStarted,
		ExecutionID: healthyExec,
		WorkflowID:  healthy.ID,
		Spec:        &healthy,
	})
	require.Nil(t, err)

	rig := newTestRigOn(backing, nil)
	require.Nil(t, rig.orch.Recover(ctx))
	rig.addServer("http://gpu-0:9000")

	// only the healthy execution schedules anything
	require.Eventually(t, func() bool { return rig.dispatcher.sentCount() == 1 }, waitFor, tick)
	task, ok := rig.dispatcher.lastTaskFor("first")
	require.True(t, ok)
	require.Nil(t, rig.complete(task, valueOut("out", 1)))

	st, err := rig.orch.Status(poisonedExec)
	require.Nil(t, err)
	assert.Equal(t, types.NodePending, nodeStatus(st, "a").State)
}

func TestRecoverCompletedExecutionStaysPut(t *testing.T) {
	backing := mem.NewMemLog()
	rig1 := newTestRigOn(backing, nil)
	rig1.addServer("http://gpu-0:9000")
	ctx := context.Background()

	spec := types.WorkflowSpec{
		ID:    uuid.New(),
		Name:  "single",
		Nodes: []types.NodeSpec{{ID: "only", Type: "source"}},
	}
	execID, err := rig1.orch.Execute(ctx, spec)
	require.Nil(t, err)
	require.Eventually(t, func() bool { return rig1.dispatcher.sentCount() == 1 }, waitFor, tick)
	task, _ := rig1.dispatcher.lastTaskFor("only")
	require.Nil(t, rig1.complete(task))

	rig2 := newTestRigOn(backing, nil)
	require.Nil(t, rig2.orch.Recover(ctx))

	st, err := rig2.orch.Status(execID)
	require.Nil(t, err)
	assert.Equal(t, types.ExecCompleted, st.State)
	assert.Equal(t, 0, rig2.dispatcher.sentCount())
}
