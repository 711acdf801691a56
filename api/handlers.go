package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/warriorguo/swarmflow/types"
)

func (s *Server) health(c *fiber.Ctx) error {
	return ok(c, fiber.Map{"status": "up"})
}

func (s *Server) executeWorkflow(c *fiber.Ctx) error {
	workflowID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("workflow id %q", c.Params("id")))
	}

	var spec types.WorkflowSpec
	if err := c.BodyParser(&spec); err != nil {
		return fail(c, errors.NotValidf("workflow body: %v", err))
	}
	spec.ID = workflowID

	execID, err := s.orch.Execute(c.Context(), spec)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(envelope{
		Success: true,
		Data:    fiber.Map{"execution_id": execID},
	})
}

func (s *Server) workflowStatus(c *fiber.Ctx) error {
	workflowID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("workflow id %q", c.Params("id")))
	}
	return ok(c, s.orch.ExecutionsOf(workflowID))
}

func (s *Server) listExecutions(c *fiber.Ctx) error {
	return ok(c, s.orch.Executions())
}

func (s *Server) getExecution(c *fiber.Ctx) error {
	execID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("execution id %q", c.Params("id")))
	}
	status, err := s.orch.Status(execID)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, status)
}

func (s *Server) cancelExecution(c *fiber.Ctx) error {
	execID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("execution id %q", c.Params("id")))
	}
	if err := s.orch.Cancel(c.Context(), execID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// taskCallback is the sink executor servers POST progress, completion
// and failure messages to.
func (s *Server) taskCallback(c *fiber.Ctx) error {
	taskID, err := uuid.Parse(c.Params("task"))
	if err != nil {
		return fail(c, errors.NotValidf("task id %q", c.Params("task")))
	}

	var msg types.CallbackMessage
	if err := c.BodyParser(&msg); err != nil {
		return fail(c, errors.NotValidf("callback body: %v", err))
	}
	msg.TaskID = taskID

	if err := s.orch.OnCallback(c.Context(), msg); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) taskStatus(c *fiber.Ctx) error {
	taskID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("task id %q", c.Params("id")))
	}
	reply, err := s.orch.TaskStatus(c.Context(), taskID)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, reply)
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	taskID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, errors.NotValidf("task id %q", c.Params("id")))
	}
	if err := s.orch.CancelTask(c.Context(), taskID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) listData(c *fiber.Ctx) error {
	return ok(c, s.orch.Registry().List())
}

func (s *Server) getData(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return fail(c, errors.NotValidf("data id %q", c.Params("uuid")))
	}
	ref, err := s.orch.Registry().Resolve(id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, ref)
}

func (s *Server) retireData(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return fail(c, errors.NotValidf("data id %q", c.Params("uuid")))
	}
	if err := s.orch.Registry().Retire(c.Context(), id); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) issueToken(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("uuid"))
	if err != nil {
		return fail(c, errors.NotValidf("data id %q", c.Params("uuid")))
	}

	body := struct {
		types.Permissions
		TTLMs int64 `json:"ttl_ms"`
	}{Permissions: types.ReadOnly()}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fail(c, errors.NotValidf("token body: %v", err))
		}
	}

	token, err := s.orch.Tokens().Issue(id, body.Permissions, time.Duration(body.TTLMs)*time.Millisecond)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, token)
}

func (s *Server) listServers(c *fiber.Ctx) error {
	return ok(c, s.orch.Fleet().List())
}

func (s *Server) addServer(c *fiber.Ctx) error {
	var info types.ServerInfo
	if err := c.BodyParser(&info); err != nil {
		return fail(c, errors.NotValidf("server body: %v", err))
	}
	if err := s.orch.AddServer(c.Context(), info); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

func (s *Server) removeServer(c *fiber.Ctx) error {
	var body struct {
		Address string `json:"address"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fail(c, errors.NotValidf("server body: %v", err))
	}
	if err := s.orch.RemoveServer(c.Context(), body.Address); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}
