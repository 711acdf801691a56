package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/dag"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

/**
 * Recover rebuilds the full orchestrator state from the event log and
 * then reconciles tasks that were in flight when the process died.
 *
 * Replay is append-order apply with no re-appending. A record that
 * references state the tables do not have quarantines its execution:
 * that execution refuses to schedule anything further, while every
 * other execution resumes normally.
 */
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	err := o.log.Replay(ctx, func(pos wal.Position, ev types.Event) error {
		if aerr := o.applyLogged(ev); aerr != nil {
			if _, ok := errors.Cause(aerr).(*types.RecoveryError); !ok {
				return errors.Trace(aerr)
			}
			log.Errorf("replay position %d: %v", pos, aerr)
			if ex, exists := o.executions[ev.ExecutionID]; exists {
				ex.quarantined = true
				log.Errorf("execution %s quarantined", ex.id)
			}
		}
		return nil
	})
	o.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}

	o.reconcile(ctx)
	o.kickAll()
	return nil
}

func (o *Orchestrator) applyLogged(ev types.Event) error {
	switch ev.Kind {
	case types.EventDataRegistered, types.EventDataTierChanged, types.EventDataRetired:
		return errors.Trace(o.refs.ApplyEvent(ev))

	case types.EventServerAdded:
		if ev.Info == nil {
			return types.NewRecoveryErrorf("server_added without info")
		}
		return errors.Trace(o.fleet.Add(*ev.Info))

	case types.EventServerRemoved:
		if err := o.fleet.Remove(ev.Server); err != nil {
			log.Warnf("replayed removal of unknown server %s", ev.Server)
		}
		return nil

	case types.EventWorkflowStarted:
		if ev.Spec == nil {
			return types.NewRecoveryErrorf("workflow_started without spec")
		}
		graph, err := dag.Validate(*ev.Spec)
		if err != nil {
			return types.NewRecoveryErrorf("logged workflow no longer validates: %v", err)
		}
		o.executions[ev.ExecutionID] = newExecution(ev.ExecutionID, *ev.Spec, graph, o.opts.Retry, ev.Timestamp)
		return nil
	}

	// everything below is scoped to one execution
	ex, ok := o.executions[ev.ExecutionID]
	if !ok {
		return types.NewRecoveryErrorf("%s for unknown execution %s", ev.Kind, ev.ExecutionID)
	}

	switch ev.Kind {
	case types.EventWorkflowCompleted:
		ex.state = types.ExecCompleted
		return nil
	case types.EventWorkflowFailed:
		ex.state = types.ExecFailed
		ex.lastErr = ev.Error
		return nil
	case types.EventWorkflowCancelled:
		ex.state = types.ExecCancelled
		return nil
	}

	n, ok := ex.nodes[ev.Node]
	if !ok {
		return types.NewRecoveryErrorf("%s for unknown node %q of %s", ev.Kind, ev.Node, ev.ExecutionID)
	}

	switch ev.Kind {
	case types.EventNodeScheduled:
		if !n.transition(types.NodeScheduled) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for scheduled", ev.Node, n.state)
		}
		n.server = ev.Server
		n.taskID = ev.TaskID
		n.retries = ev.Retry
		o.tasks[ev.TaskID] = taskRef{execID: ex.id, node: ev.Node}

	case types.EventNodeStarted:
		if !n.transition(types.NodeRunning) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for running", ev.Node, n.state)
		}

	case types.EventNodeProgress:
		n.progress = ev.Progress

	case types.EventNodeCompleted:
		if !n.transition(types.NodeDone) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for done", ev.Node, n.state)
		}
		n.setOutputs(ev.Outputs)
		n.progress = 1
		delete(o.tasks, n.taskID)

	case types.EventNodeRetrying:
		if !n.transition(types.NodePending) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for pending", ev.Node, n.state)
		}
		delete(o.tasks, n.taskID)
		n.retries = ev.Retry
		n.lastErr = ev.Error
		n.progress = 0
		n.taskID = uuid.Nil
		n.server = ""
		n.notBefore = ev.Timestamp.Add(time.Duration(ev.DelayMs) * time.Millisecond)

	case types.EventNodeFailed:
		if !n.transition(types.NodeFailed) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for failed", ev.Node, n.state)
		}
		n.lastErr = ev.Error
		delete(o.tasks, n.taskID)

	case types.EventNodeCancelled:
		if !n.transition(types.NodeCancelled) {
			return types.NewRecoveryErrorf("node %s cannot leave %s for cancelled", ev.Node, n.state)
		}
		delete(o.tasks, n.taskID)

	default:
		return types.NewRecoveryErrorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

/**
 * reconcile chases down tasks the log left in Scheduled or Running.
 * The server may have finished them while the orchestrator was down, so
 * ask before assuming anything: complete and failed replies resolve the
 * node as if the callback had arrived, everything else re-enters the
 * retry path.
 */
func (o *Orchestrator) reconcile(ctx context.Context) {
	type liveTask struct {
		execID uuid.UUID
		taskID uuid.UUID
		server string
	}

	o.mu.Lock()
	live := []liveTask{}
	for taskID, tr := range o.tasks {
		ex := o.executions[tr.execID]
		if ex.quarantined || ex.state.Terminal() {
			continue
		}
		n := ex.nodes[tr.node]
		if n.state == types.NodeScheduled || n.state == types.NodeRunning {
			live = append(live, liveTask{execID: tr.execID, taskID: taskID, server: n.server})
		}
	}
	o.mu.Unlock()

	for _, task := range live {
		task := task
		o.wp.Submit(func() {
			reply, err := o.dispatcher.Poll(ctx, task.server, task.taskID)
			o.onReconcileReply(ctx, task.execID, task.taskID, reply, err)
		})
	}
	if len(live) > 0 {
		log.Infof("reconciling %d in-flight tasks", len(live))
	}
}

func (o *Orchestrator) onReconcileReply(ctx context.Context, execID, taskID uuid.UUID,
	reply types.TaskStatusReply, pollErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tr, ok := o.tasks[taskID]
	if !ok || tr.execID != execID {
		return
	}
	ex := o.executions[execID]
	n := ex.nodes[tr.node]

	var err error
	switch {
	case pollErr != nil:
		err = o.failNodeLocked(ctx, ex, n, "unreachable after restart: "+pollErr.Error(), true)
	case reply.Phase == types.TaskPhaseComplete:
		err = o.completeNodeLocked(ctx, ex, n, reply.Outputs)
	case reply.Phase == types.TaskPhaseFailed:
		err = o.failNodeLocked(ctx, ex, n, reply.Error, false)
	case reply.Phase == types.TaskPhaseRunning:
		if err = o.markStartedLocked(ctx, ex, n); err == nil {
			n.progress = reply.Progress
			o.pending.track(taskID, func() {
				o.onTaskTimeout(execID, taskID)
			})
		}
	default:
		err = o.failNodeLocked(ctx, ex, n, "lost after restart", true)
	}
	if err != nil {
		log.Errorf("reconcile task %s: %v", taskID, err)
	}
}
