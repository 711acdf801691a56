package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/warriorguo/swarmflow/dataref"
	"github.com/warriorguo/swarmflow/fleet"
	"github.com/warriorguo/swarmflow/store"
	"github.com/warriorguo/swarmflow/store/mem"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

type sentTask struct {
	server string
	req    types.TaskRequest
	policy types.RetryPolicy
}

/**
 * fakeDispatcher stands in for the executor fleet. Tests inspect what
 * was sent and drive the rest of the protocol through OnCallback, the
 * way a real server would.
 */
type fakeDispatcher struct {
	mu        sync.Mutex
	sent      []sentTask
	cancelled []uuid.UUID
	onSend    func(server string, req types.TaskRequest) error
	polls     map[uuid.UUID]types.TaskStatusReply
	pollErr   error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{polls: map[uuid.UUID]types.TaskStatusReply{}}
}

func (d *fakeDispatcher) Send(ctx context.Context, server string, req types.TaskRequest, policy types.RetryPolicy) (types.DispatchReply, error) {
	d.mu.Lock()
	d.sent = append(d.sent, sentTask{server: server, req: req, policy: policy})
	hook := d.onSend
	d.mu.Unlock()

	if hook != nil {
		if err := hook(server, req); err != nil {
			return types.DispatchReply{}, err
		}
	}
	return types.DispatchReply{TaskID: req.TaskID}, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, server string, taskID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, taskID)
	return nil
}

func (d *fakeDispatcher) Poll(ctx context.Context, server string, taskID uuid.UUID) (types.TaskStatusReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollErr != nil {
		return types.TaskStatusReply{}, d.pollErr
	}
	if reply, ok := d.polls[taskID]; ok {
		return reply, nil
	}
	return types.TaskStatusReply{TaskID: taskID, Phase: types.TaskPhaseUnknown}, nil
}

func (d *fakeDispatcher) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// lastTaskFor returns the most recent task id dispatched for a node.
func (d *fakeDispatcher) lastTaskFor(nodeID string) (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sent) - 1; i >= 0; i-- {
		if d.sent[i].req.NodeID == nodeID {
			return d.sent[i].req.TaskID, true
		}
	}
	return uuid.Nil, false
}

func (d *fakeDispatcher) serverFor(nodeID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sent) - 1; i >= 0; i-- {
		if d.sent[i].req.NodeID == nodeID {
			return d.sent[i].server, true
		}
	}
	return "", false
}

type testRig struct {
	orch       *Orchestrator
	dispatcher *fakeDispatcher
	clock      *clock.Mock
	backing    store.Log
	fleet      *fleet.Registry
	refs       *dataref.Registry
}

func newTestRig(tweak func(*types.OrchestratorOptions)) *testRig {
	return newTestRigOn(mem.NewMemLog(), tweak)
}

func newTestRigOn(backing store.Log, tweak func(*types.OrchestratorOptions)) *testRig {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	opts := types.NewOrchestratorOptions()
	opts.Retry = types.RetryPolicy{MaxRetries: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2.0}
	if tweak != nil {
		tweak(opts)
	}

	eventLog := wal.New(backing)
	refs := dataref.NewRegistry(eventLog, clk)
	tokens := dataref.NewTokenService([]byte("test-secret"), opts.Issuer, opts.TokenTTL, clk, refs)
	servers := fleet.NewRegistry()
	dispatcher := newFakeDispatcher()

	return &testRig{
		orch:       New(eventLog, refs, tokens, servers, clk, dispatcher, opts),
		dispatcher: dispatcher,
		clock:      clk,
		backing:    backing,
		fleet:      servers,
		refs:       refs,
	}
}

func (r *testRig) addServer(address string, models ...string) {
	_ = r.orch.AddServer(context.Background(), types.ServerInfo{
		Address: address,
		Models:  models,
	})
}

func (r *testRig) complete(taskID uuid.UUID, outputs ...types.TaskOutput) error {
	return r.orch.OnCallback(context.Background(), types.CallbackMessage{
		TaskID:  taskID,
		Status:  types.CallbackComplete,
		Outputs: outputs,
	})
}

func (r *testRig) fail(taskID uuid.UUID, msg string, serverFault bool) error {
	return r.orch.OnCallback(context.Background(), types.CallbackMessage{
		TaskID:      taskID,
		Status:      types.CallbackFailed,
		Error:       msg,
		ServerFault: serverFault,
	})
}

func valueOut(name string, v any) types.TaskOutput {
	return types.TaskOutput{Name: name, Value: v}
}

func refOut(name string, workflowID uuid.UUID, server string, size uint64) types.TaskOutput {
	return types.TaskOutput{Name: name, Ref: &types.DataRef{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Location:   server,
		SizeBytes:  size,
		Type:       types.BytesTag(),
		Tier:       types.TierMainMemory,
	}}
}

/**
 * diamondSpec is the canonical four node diamond:
 *
 *   a -> b -> d
 *   a -> c -> d
 */
func diamondSpec() types.WorkflowSpec {
	return types.WorkflowSpec{
		ID:   uuid.New(),
		Name: "diamond",
		Nodes: []types.NodeSpec{
			{ID: "a", Type: "source", Outputs: []string{"out"}},
			{ID: "b", Type: "transform", Inputs: []string{"in"}, Outputs: []string{"out"}},
			{ID: "c", Type: "transform", Inputs: []string{"in"}, Outputs: []string{"out"}},
			{ID: "d", Type: "sink", Inputs: []string{"left", "right"}},
		},
		Edges: []types.EdgeSpec{
			{Source: "a", Output: "out", Target: "b", Input: "in"},
			{Source: "a", Output: "out", Target: "c", Input: "in"},
			{Source: "b", Output: "out", Target: "d", Input: "left"},
			{Source: "c", Output: "out", Target: "d", Input: "right"},
		},
	}
}

func chainSpec() types.WorkflowSpec {
	return types.WorkflowSpec{
		ID:   uuid.New(),
		Name: "chain",
		Nodes: []types.NodeSpec{
			{ID: "first", Type: "source", Outputs: []string{"out"}},
			{ID: "second", Type: "sink", Inputs: []string{"in"}},
		},
		Edges: []types.EdgeSpec{
			{Source: "first", Output: "out", Target: "second", Input: "in"},
		},
	}
}

func nodeStatus(st types.ExecutionStatus, id string) types.NodeStatus {
	for _, n := range st.Nodes {
		if n.ID == id {
			return n
		}
	}
	return types.NodeStatus{}
}
