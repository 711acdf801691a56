package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/dag"
	"github.com/warriorguo/swarmflow/dataref"
	"github.com/warriorguo/swarmflow/fleet"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

type taskRef struct {
	execID uuid.UUID
	node   string
}

/**
 * Orchestrator drives workflow executions end to end: it validates the
 * DAG, places ready nodes on executor servers, absorbs their callbacks
 * and replays its event log after a restart. Every state transition is
 * appended to the log before the in-memory tables change, which is what
 * makes the replay exact.
 */
type Orchestrator struct {
	opts       *types.OrchestratorOptions
	log        *wal.EventLog
	refs       *dataref.Registry
	tokens     *dataref.TokenService
	fleet      *fleet.Registry
	clock      clock.Clock
	dispatcher Dispatcher
	wp         *workerpool.WorkerPool
	pending    *pendingTasks

	mu         sync.Mutex
	executions map[uuid.UUID]*execution
	tasks      map[uuid.UUID]taskRef
	running    bool
}

func New(eventLog *wal.EventLog, refs *dataref.Registry, tokens *dataref.TokenService,
	servers *fleet.Registry, clk clock.Clock, dispatcher Dispatcher,
	opts *types.OrchestratorOptions) *Orchestrator {
	if dispatcher == nil {
		dispatcher = newHTTPDispatcher(opts.CallbackTimeout)
	}
	return &Orchestrator{
		opts:       opts,
		log:        eventLog,
		refs:       refs,
		tokens:     tokens,
		fleet:      servers,
		clock:      clk,
		dispatcher: dispatcher,
		wp:         workerpool.New(opts.MaxDispatchConcurrency),
		pending:    newPendingTasks(clk, opts.CallbackTimeout),
		executions: map[uuid.UUID]*execution{},
		tasks:      map[uuid.UUID]taskRef{},
		running:    true,
	}
}

func (o *Orchestrator) Registry() *dataref.Registry {
	return o.refs
}

func (o *Orchestrator) Fleet() *fleet.Registry {
	return o.fleet
}

func (o *Orchestrator) Tokens() *dataref.TokenService {
	return o.tokens
}

/**
 * Execute validates the workflow and starts a fresh execution of it.
 * Validation failures surface before anything is logged; a workflow
 * that enters the log is structurally sound.
 */
func (o *Orchestrator) Execute(ctx context.Context, spec types.WorkflowSpec) (uuid.UUID, error) {
	graph, err := dag.Validate(spec)
	if err != nil {
		return uuid.Nil, errors.Trace(err)
	}

	execID := uuid.New()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return uuid.Nil, errors.MethodNotAllowedf("orchestrator closed")
	}

	if err := o.append(ctx, types.Event{
		Kind:        types.EventWorkflowStarted,
		ExecutionID: execID,
		WorkflowID:  spec.ID,
		Spec:        &spec,
	}); err != nil {
		return uuid.Nil, errors.Trace(err)
	}

	ex := newExecution(execID, spec, graph, o.opts.Retry, o.clock.Now())
	o.executions[execID] = ex
	if spec.Timeout > 0 {
		ex.timeoutTimer = o.clock.AfterFunc(spec.Timeout, func() {
			o.expireExecution(execID)
		})
	}
	log.Infof("execution %s of workflow %q started, %d nodes", execID, spec.Name, graph.Len())

	o.scheduleReadyLocked(ctx, ex)
	// a workflow with no nodes is already done
	o.finishLocked(ctx, ex)
	return execID, nil
}

func (o *Orchestrator) Status(execID uuid.UUID) (types.ExecutionStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex, ok := o.executions[execID]
	if !ok {
		return types.ExecutionStatus{}, errors.NotFoundf("execution %s", execID)
	}
	return ex.status(), nil
}

// ExecutionsOf returns the executions of one workflow, oldest first.
func (o *Orchestrator) ExecutionsOf(workflowID uuid.UUID) []types.ExecutionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	found := []*execution{}
	for _, ex := range o.executions {
		if ex.spec.ID == workflowID {
			found = append(found, ex)
		}
	}
	statuses := make([]types.ExecutionStatus, 0, len(found))
	for _, ex := range sortExecutions(found) {
		statuses = append(statuses, ex.status())
	}
	return statuses
}

func (o *Orchestrator) Executions() []types.ExecutionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := make([]*execution, 0, len(o.executions))
	for _, ex := range o.executions {
		all = append(all, ex)
	}
	statuses := make([]types.ExecutionStatus, 0, len(all))
	for _, ex := range sortExecutions(all) {
		statuses = append(statuses, ex.status())
	}
	return statuses
}

/**
 * Cancel terminates an execution. Non-terminal nodes move to Cancelled
 * through the log; servers running tasks get a best-effort cancel
 * notification that is never waited on.
 */
func (o *Orchestrator) Cancel(ctx context.Context, execID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex, ok := o.executions[execID]
	if !ok {
		return errors.NotFoundf("execution %s", execID)
	}
	if ex.state.Terminal() {
		return nil
	}
	return errors.Trace(o.terminateLocked(ctx, ex, types.EventWorkflowCancelled, types.ExecCancelled, "cancelled"))
}

func (o *Orchestrator) expireExecution(execID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex, ok := o.executions[execID]
	if !ok || ex.state.Terminal() {
		return
	}
	log.Warnf("execution %s exceeded its %s timeout", execID, ex.spec.Timeout)
	if err := o.terminateLocked(o.opts.Ctx, ex, types.EventWorkflowFailed, types.ExecFailed, "execution timeout"); err != nil {
		log.Errorf("expire %s: %v", execID, err)
	}
}

func (o *Orchestrator) terminateLocked(ctx context.Context, ex *execution,
	kind types.EventKind, state types.ExecutionState, reason string) error {
	for _, nodeID := range ex.graph.Nodes() {
		n := ex.nodes[nodeID]
		if n.state.Terminal() {
			continue
		}
		if err := o.append(ctx, types.Event{
			Kind:        types.EventNodeCancelled,
			ExecutionID: ex.id,
			Node:        nodeID,
		}); err != nil {
			return errors.Trace(err)
		}
		o.releaseTaskLocked(n, true)
		n.transition(types.NodeCancelled)
	}

	if err := o.append(ctx, types.Event{
		Kind:        kind,
		ExecutionID: ex.id,
		Error:       reason,
	}); err != nil {
		return errors.Trace(err)
	}
	ex.state = state
	ex.lastErr = reason
	if ex.timeoutTimer != nil {
		ex.timeoutTimer.Stop()
	}
	return nil
}

/**
 * OnCallback absorbs one message from an executor server. Unknown task
 * ids are rejected; a task id leaves the table the moment its node
 * reaches a terminal state, so duplicate terminal callbacks are no-ops
 * at the boundary.
 */
func (o *Orchestrator) OnCallback(ctx context.Context, msg types.CallbackMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.tasks[msg.TaskID]
	if !ok {
		return errors.NotFoundf("task %s", msg.TaskID)
	}
	ex := o.executions[tr.execID]
	n := ex.nodes[tr.node]

	switch msg.Status {
	case types.CallbackProgress:
		if err := o.markStartedLocked(ctx, ex, n); err != nil {
			return errors.Trace(err)
		}
		if err := o.append(ctx, types.Event{
			Kind:        types.EventNodeProgress,
			ExecutionID: ex.id,
			Node:        tr.node,
			Progress:    msg.Progress,
		}); err != nil {
			return errors.Trace(err)
		}
		n.progress = msg.Progress
		o.pending.touch(msg.TaskID)
		return nil

	case types.CallbackComplete:
		return errors.Trace(o.completeNodeLocked(ctx, ex, n, msg.Outputs))

	case types.CallbackFailed:
		return errors.Trace(o.failNodeLocked(ctx, ex, n, msg.Error, msg.ServerFault))
	}
	return errors.BadRequestf("callback status %q", msg.Status)
}

func (o *Orchestrator) markStartedLocked(ctx context.Context, ex *execution, n *nodeExec) error {
	if n.state != types.NodeScheduled {
		return nil
	}
	if err := o.append(ctx, types.Event{
		Kind:        types.EventNodeStarted,
		ExecutionID: ex.id,
		Node:        n.spec.ID,
		Server:      n.server,
		TaskID:      n.taskID,
	}); err != nil {
		return errors.Trace(err)
	}
	n.transition(types.NodeRunning)
	return nil
}

func (o *Orchestrator) completeNodeLocked(ctx context.Context, ex *execution, n *nodeExec, outputs []types.TaskOutput) error {
	if err := o.markStartedLocked(ctx, ex, n); err != nil {
		return errors.Trace(err)
	}

	refs := []types.DataRef{}
	for _, out := range outputs {
		if out.Ref == nil {
			continue
		}
		if err := o.refs.Register(ctx, *out.Ref); err != nil && !errors.IsAlreadyExists(err) {
			return errors.Trace(err)
		}
		refs = append(refs, *out.Ref)
	}

	if err := o.append(ctx, types.Event{
		Kind:        types.EventNodeCompleted,
		ExecutionID: ex.id,
		Node:        n.spec.ID,
		Refs:        refs,
		Outputs:     outputs,
	}); err != nil {
		return errors.Trace(err)
	}

	o.releaseTaskLocked(n, false)
	n.transition(types.NodeDone)
	n.setOutputs(outputs)
	n.progress = 1
	log.Debugf("node %s of %s done, %d outputs", n.spec.ID, ex.id, len(outputs))

	o.scheduleReadyLocked(ctx, ex)
	o.finishLocked(ctx, ex)
	return nil
}

/**
 * failNodeLocked is the single failure funnel: dispatch failures,
 * failed callbacks, callback timeouts and lost-after-restart tasks all
 * land here. While retry budget remains the node re-enters Pending
 * behind an exponential backoff; once exhausted it fails terminally and
 * every transitive dependent is cancelled without ever dispatching.
 */
func (o *Orchestrator) failNodeLocked(ctx context.Context, ex *execution, n *nodeExec, msg string, serverFault bool) error {
	server := n.server
	o.releaseTaskLocked(n, false)

	if n.retries < ex.retry.MaxRetries {
		delay := ex.retry.Backoff(n.retries)
		if err := o.append(ctx, types.Event{
			Kind:        types.EventNodeRetrying,
			ExecutionID: ex.id,
			Node:        n.spec.ID,
			Server:      server,
			Retry:       n.retries + 1,
			DelayMs:     delay.Milliseconds(),
			Error:       msg,
		}); err != nil {
			return errors.Trace(err)
		}

		n.transition(types.NodePending)
		n.retries++
		n.lastErr = msg
		n.progress = 0
		n.server = ""
		n.taskID = uuid.Nil
		if serverFault {
			n.avoid = server
		}
		n.notBefore = o.clock.Now().Add(delay)
		log.Warnf("node %s of %s failed (%s), retry %d/%d in %s",
			n.spec.ID, ex.id, msg, n.retries, ex.retry.MaxRetries, delay)

		execID := ex.id
		o.clock.AfterFunc(delay, func() {
			o.kick(execID)
		})
		return nil
	}

	if err := o.append(ctx, types.Event{
		Kind:        types.EventNodeFailed,
		ExecutionID: ex.id,
		Node:        n.spec.ID,
		Server:      server,
		Error:       msg,
	}); err != nil {
		return errors.Trace(err)
	}
	n.transition(types.NodeFailed)
	n.lastErr = msg
	ex.lastErr = msg
	log.Errorf("node %s of %s failed terminally: %s", n.spec.ID, ex.id, msg)

	// cascade: descendants can never become ready, cancel them now
	for _, downID := range ex.graph.Descendants(n.spec.ID) {
		dn := ex.nodes[downID]
		if dn.state.Terminal() {
			continue
		}
		if err := o.append(ctx, types.Event{
			Kind:        types.EventNodeCancelled,
			ExecutionID: ex.id,
			Node:        downID,
		}); err != nil {
			return errors.Trace(err)
		}
		o.releaseTaskLocked(dn, true)
		dn.transition(types.NodeCancelled)
	}

	o.finishLocked(ctx, ex)
	return nil
}

// releaseTaskLocked forgets a node's in-flight task. notify sends the
// executor a best-effort cancel for tasks that may still be running.
func (o *Orchestrator) releaseTaskLocked(n *nodeExec, notify bool) {
	if n.taskID == uuid.Nil {
		return
	}
	taskID, server := n.taskID, n.server
	o.pending.drop(taskID)
	delete(o.tasks, taskID)
	o.fleet.AdjustLoad(server, -1)
	if notify && server != "" && n.state == types.NodeRunning {
		o.wp.Submit(func() {
			if err := o.dispatcher.Cancel(o.opts.Ctx, server, taskID); err != nil {
				log.Warnf("cancel task %s: %v", taskID, err)
			}
		})
	}
}

func (o *Orchestrator) finishLocked(ctx context.Context, ex *execution) {
	if ex.state.Terminal() || !ex.allTerminal() {
		return
	}

	kind, state := types.EventWorkflowCompleted, types.ExecCompleted
	if ex.anyFailed() {
		kind, state = types.EventWorkflowFailed, types.ExecFailed
	}
	if err := o.append(ctx, types.Event{
		Kind:        kind,
		ExecutionID: ex.id,
		Error:       ex.lastErr,
	}); err != nil {
		log.Errorf("finish %s: %v", ex.id, err)
		return
	}
	ex.state = state
	if ex.timeoutTimer != nil {
		ex.timeoutTimer.Stop()
	}
	log.Infof("execution %s finished %s", ex.id, ex.state)
}

func (o *Orchestrator) kick(execID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex, ok := o.executions[execID]
	if !ok || !o.running {
		return
	}
	o.scheduleReadyLocked(o.opts.Ctx, ex)
}

func (o *Orchestrator) kickAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	for _, ex := range o.executions {
		o.scheduleReadyLocked(o.opts.Ctx, ex)
	}
}

// AddServer registers an executor server, through the log so fleet
// membership survives a restart.
func (o *Orchestrator) AddServer(ctx context.Context, info types.ServerInfo) error {
	o.mu.Lock()
	if err := o.append(ctx, types.Event{
		Kind:   types.EventServerAdded,
		Server: info.Address,
		Info:   &info,
	}); err != nil {
		o.mu.Unlock()
		return errors.Trace(err)
	}
	if err := o.fleet.Add(info); err != nil {
		o.mu.Unlock()
		return errors.Trace(err)
	}
	o.mu.Unlock()

	// fresh capacity may unblock waiting nodes
	o.kickAll()
	return nil
}

func (o *Orchestrator) RemoveServer(ctx context.Context, address string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.append(ctx, types.Event{
		Kind:   types.EventServerRemoved,
		Server: address,
	}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(o.fleet.Remove(address))
}

// TaskStatus proxies a status poll to the server running the task.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID uuid.UUID) (types.TaskStatusReply, error) {
	server, err := o.taskServer(taskID)
	if err != nil {
		return types.TaskStatusReply{}, errors.Trace(err)
	}
	return o.dispatcher.Poll(ctx, server, taskID)
}

// CancelTask proxies a cancel to the server running the task.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	server, err := o.taskServer(taskID)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(o.dispatcher.Cancel(ctx, server, taskID))
}

func (o *Orchestrator) taskServer(taskID uuid.UUID) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.tasks[taskID]
	if !ok {
		return "", errors.NotFoundf("task %s", taskID)
	}
	return o.executions[tr.execID].nodes[tr.node].server, nil
}

func (o *Orchestrator) append(ctx context.Context, ev types.Event) error {
	ev.Timestamp = o.clock.Now()
	_, err := o.log.Append(ctx, ev)
	return errors.Trace(err)
}

func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	for _, ex := range o.executions {
		if ex.timeoutTimer != nil {
			ex.timeoutTimer.Stop()
		}
	}
	o.mu.Unlock()

	o.pending.stopAll()
	o.wp.StopWait()
	return errors.Trace(o.log.Close())
}

func sortExecutions(list []*execution) []*execution {
	sort.Slice(list, func(i, j int) bool {
		return list[i].startedAt.Before(list[j].startedAt)
	})
	return list
}
