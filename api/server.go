// Package api exposes the orchestrator over HTTP.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/runtime"
	"github.com/warriorguo/swarmflow/types"
)

type Config struct {
	// Address to listen on (e.g. ":8080").
	Address string `yaml:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type Server struct {
	app    *fiber.App
	orch   *runtime.Orchestrator
	config *Config
}

func NewServer(orch *runtime.Orchestrator, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())

	s := &Server{app: app, orch: orch, config: config}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.health)

	s.app.Post("/workflows/:id/execute", s.executeWorkflow)
	s.app.Get("/workflows/:id/status", s.workflowStatus)

	s.app.Get("/executions", s.listExecutions)
	s.app.Get("/executions/:id", s.getExecution)
	s.app.Post("/executions/:id/cancel", s.cancelExecution)

	s.app.Post("/callbacks/:task", s.taskCallback)
	s.app.Get("/tasks/:id", s.taskStatus)
	s.app.Post("/tasks/:id/cancel", s.cancelTask)

	s.app.Get("/data", s.listData)
	s.app.Get("/data/:uuid", s.getData)
	s.app.Delete("/data/:uuid", s.retireData)
	s.app.Post("/data/:uuid/tokens", s.issueToken)

	s.app.Get("/servers", s.listServers)
	s.app.Post("/servers", s.addServer)
	s.app.Delete("/servers", s.removeServer)
}

func (s *Server) Listen() error {
	log.Infof("api listening on %s", s.config.Address)
	return errors.Trace(s.app.Listen(s.config.Address))
}

func (s *Server) Shutdown() error {
	return errors.Trace(s.app.Shutdown())
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Every endpoint answers the same envelope.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(envelope{Success: true, Data: data})
}

/**
 * fail maps the error taxonomy onto HTTP statuses: not-found to 404,
 * validation and malformed input to 400, token failures to 403,
 * anything else to 500. Boundary errors never reach the state machine.
 */
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	cause := errors.Cause(err)
	switch {
	case errors.IsNotFound(err):
		status = fiber.StatusNotFound
	case errors.IsNotValid(err), errors.IsBadRequest(err):
		status = fiber.StatusBadRequest
	case cause == types.ErrTokenExpired,
		cause == types.ErrBadSignature,
		cause == types.ErrUnknownSubject:
		status = fiber.StatusForbidden
	default:
		if _, isValidation := cause.(*types.ValidationError); isValidation {
			status = fiber.StatusBadRequest
		}
	}
	return c.Status(status).JSON(envelope{Success: false, Error: err.Error()})
}
