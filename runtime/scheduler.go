package runtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/types"
)

func (o *Orchestrator) scheduleReadyLocked(ctx context.Context, ex *execution) {
	for _, nodeID := range ex.readyNodes(o.clock.Now()) {
		if err := o.scheduleNodeLocked(ctx, ex, nodeID); err != nil {
			log.Errorf("schedule %s of %s: %v", nodeID, ex.id, err)
		}
	}
}

func (o *Orchestrator) scheduleNodeLocked(ctx context.Context, ex *execution, nodeID string) error {
	n := ex.nodes[nodeID]

	inputs, err := o.buildInputs(ex, nodeID)
	if err != nil {
		return errors.Trace(o.failNodeLocked(ctx, ex, n, err.Error(), false))
	}

	server, ok := o.pickServer(ex, n, inputs)
	if !ok {
		// no healthy server; the node stays Pending until one joins
		log.Warnf("no server for node %s of %s", nodeID, ex.id)
		return nil
	}

	taskID := uuid.New()
	if err := o.append(ctx, types.Event{
		Kind:        types.EventNodeScheduled,
		ExecutionID: ex.id,
		Node:        nodeID,
		Server:      server,
		TaskID:      taskID,
		Retry:       n.retries,
	}); err != nil {
		return errors.Trace(err)
	}

	n.transition(types.NodeScheduled)
	n.server = server
	n.taskID = taskID
	o.tasks[taskID] = taskRef{execID: ex.id, node: nodeID}
	o.fleet.AdjustLoad(server, 1)
	o.fleet.BindSession(server, n.spec.SessionID)

	execID := ex.id
	o.pending.track(taskID, func() {
		o.onTaskTimeout(execID, taskID)
	})

	req := types.TaskRequest{
		TaskID:      taskID,
		NodeID:      nodeID,
		NodeType:    n.spec.Type,
		Config:      n.spec.Config,
		Inputs:      inputs,
		CallbackURL: o.opts.CallbackURL + "/" + taskID.String(),
		TimeoutMs:   o.opts.CallbackTimeout.Milliseconds(),
	}
	retry := ex.retry
	o.wp.Submit(func() {
		_, err := o.dispatcher.Send(o.opts.Ctx, server, req, retry)
		o.onDispatchResult(execID, taskID, err)
	})
	log.Debugf("node %s of %s scheduled on %s as task %s", nodeID, execID, server, taskID)
	return nil
}

/**
 * buildInputs binds a node's in-edges to its dependencies' outputs. A
 * ref-valued input carries a freshly issued read token so the executor
 * can pull the bytes from the owning server.
 */
func (o *Orchestrator) buildInputs(ex *execution, nodeID string) ([]types.TaskInput, error) {
	edges := ex.graph.InEdges(nodeID)
	inputs := make([]types.TaskInput, 0, len(edges))
	for _, edge := range edges {
		src := ex.nodes[edge.Source]
		out, ok := src.outs[edge.Output]
		if !ok {
			return nil, errors.NotFoundf("output %q of node %s", edge.Output, edge.Source)
		}

		input := types.TaskInput{
			Name:      edge.Input,
			Value:     out.Value,
			Ref:       out.Ref,
			Transform: edge.Transform,
		}
		if out.Ref != nil {
			token, err := o.tokens.Issue(out.Ref.ID, types.ReadOnly(), 0)
			if err != nil {
				return nil, errors.Trace(err)
			}
			input.Token = &token
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

/**
 * pickServer ranks candidates in three rounds: session affinity first,
 * then data locality by resident input bytes, then plain round-robin.
 * A server blamed for the node's last failure is avoided while any
 * alternative exists.
 */
func (o *Orchestrator) pickServer(ex *execution, n *nodeExec, inputs []types.TaskInput) (string, bool) {
	candidates := o.fleet.Healthy()
	if len(candidates) == 0 {
		return "", false
	}
	if n.avoid != "" && len(candidates) > 1 {
		kept := candidates[:0]
		for _, s := range candidates {
			if s.Address != n.avoid {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			candidates = kept
		}
	}

	// round 1: session affinity
	if n.spec.SessionID != "" {
		if s, ok := leastLoaded(candidates, func(s types.ServerInfo) bool {
			return s.HasSession(n.spec.SessionID)
		}); ok {
			return s, true
		}
	}
	if n.spec.ModelID != "" {
		if s, ok := leastLoaded(candidates, func(s types.ServerInfo) bool {
			return s.HasModel(n.spec.ModelID)
		}); ok {
			return s, true
		}
	}

	// round 2: data locality
	ids := []uuid.UUID{}
	for _, input := range inputs {
		if input.Ref != nil {
			ids = append(ids, input.Ref.ID)
		}
	}
	if len(ids) > 0 {
		best, bestBytes := "", uint64(0)
		for _, s := range candidates {
			if b := o.refs.BytesOn(s.Address, ids); b > bestBytes {
				best, bestBytes = s.Address, b
			}
		}
		if best != "" {
			return best, true
		}
	}

	// round 3: round-robin
	return candidates[o.fleet.NextRR()%uint64(len(candidates))].Address, true
}

func leastLoaded(candidates []types.ServerInfo, match func(types.ServerInfo) bool) (string, bool) {
	best, bestLoad := "", 0
	for _, s := range candidates {
		if !match(s) {
			continue
		}
		if best == "" || s.Load < bestLoad {
			best, bestLoad = s.Address, s.Load
		}
	}
	return best, best != ""
}

// onDispatchResult runs on a pool worker once the outbound send settled.
func (o *Orchestrator) onDispatchResult(execID, taskID uuid.UUID, sendErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tr, ok := o.tasks[taskID]
	if !ok || tr.execID != execID {
		// the task already resolved some other way
		return
	}
	ex := o.executions[execID]
	n := ex.nodes[tr.node]
	if n.taskID != taskID {
		return
	}

	if sendErr != nil {
		if err := o.failNodeLocked(o.opts.Ctx, ex, n, sendErr.Error(), true); err != nil {
			log.Errorf("dispatch failure of %s: %v", taskID, err)
		}
		return
	}
	if err := o.markStartedLocked(o.opts.Ctx, ex, n); err != nil {
		log.Errorf("mark started %s: %v", taskID, err)
	}
}

func (o *Orchestrator) onTaskTimeout(execID, taskID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tr, ok := o.tasks[taskID]
	if !ok || tr.execID != execID {
		return
	}
	ex := o.executions[execID]
	n := ex.nodes[tr.node]
	if n.taskID != taskID {
		return
	}
	if err := o.failNodeLocked(o.opts.Ctx, ex, n, "no callback within timeout", true); err != nil {
		log.Errorf("timeout of %s: %v", taskID, err)
	}
}
