package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/utils"
)

// Dispatcher is the outbound half of the task protocol. Swapped for a
// fake in tests.
type Dispatcher interface {
	Send(ctx context.Context, server string, req types.TaskRequest, policy types.RetryPolicy) (types.DispatchReply, error)
	Cancel(ctx context.Context, server string, taskID uuid.UUID) error
	Poll(ctx context.Context, server string, taskID uuid.UUID) (types.TaskStatusReply, error)
}

var _ Dispatcher = &httpDispatcher{}

/**
 * httpDispatcher speaks the callback task protocol over plain HTTP.
 * Send retries non-acceptance on the execution's retry schedule before
 * giving up with a DispatchError; only a 202 with a matching task id
 * counts as accepted.
 */
type httpDispatcher struct {
	timeout time.Duration
}

func newHTTPDispatcher(timeout time.Duration) *httpDispatcher {
	return &httpDispatcher{timeout: timeout}
}

func (d *httpDispatcher) Send(ctx context.Context, server string, req types.TaskRequest, policy types.RetryPolicy) (types.DispatchReply, error) {
	var reply types.DispatchReply

	op := func() error {
		code, body, errs := fiber.Post(server+"/task").
			Timeout(d.timeout).
			JSON(req).
			Bytes()
		if len(errs) > 0 {
			return errs[0]
		}
		if code != http.StatusAccepted {
			return fmt.Errorf("status %d", code)
		}
		if err := utils.Unserialize(body, &reply); err != nil {
			return backoff.Permanent(err)
		}
		if reply.TaskID != req.TaskID {
			return backoff.Permanent(fmt.Errorf("task id mismatch: sent %s, got %s", req.TaskID, reply.TaskID))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0
	if policy.InitialBackoff > 0 {
		bo.InitialInterval = policy.InitialBackoff
	}
	if policy.Multiplier > 0 {
		bo.Multiplier = policy.Multiplier
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(policy.MaxRetries)), ctx))
	if err != nil {
		return reply, types.NewDispatchError(errors.Annotatef(err, "dispatch %s to %s", req.TaskID, server), server)
	}
	return reply, nil
}

func (d *httpDispatcher) Cancel(ctx context.Context, server string, taskID uuid.UUID) error {
	code, _, errs := fiber.Post(fmt.Sprintf("%s/tasks/%s/cancel", server, taskID)).
		Timeout(d.timeout).
		Bytes()
	if len(errs) > 0 {
		return errors.Annotatef(errs[0], "cancel %s on %s", taskID, server)
	}
	if code != http.StatusOK && code != http.StatusAccepted {
		log.Warnf("cancel %s on %s answered %d", taskID, server, code)
	}
	return nil
}

func (d *httpDispatcher) Poll(ctx context.Context, server string, taskID uuid.UUID) (types.TaskStatusReply, error) {
	var reply types.TaskStatusReply

	code, body, errs := fiber.Get(fmt.Sprintf("%s/tasks/%s", server, taskID)).
		Timeout(d.timeout).
		Bytes()
	if len(errs) > 0 {
		return reply, errors.Annotatef(errs[0], "poll %s on %s", taskID, server)
	}
	if code == http.StatusNotFound {
		reply.TaskID = taskID
		reply.Phase = types.TaskPhaseUnknown
		return reply, nil
	}
	if code != http.StatusOK {
		return reply, errors.Errorf("poll %s on %s answered %d", taskID, server, code)
	}
	if err := utils.Unserialize(body, &reply); err != nil {
		return reply, errors.Trace(err)
	}
	return reply, nil
}
