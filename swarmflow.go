package swarmflow

import (
	"github.com/benbjohnson/clock"
	"github.com/juju/errors"

	"github.com/warriorguo/swarmflow/dataref"
	"github.com/warriorguo/swarmflow/fleet"
	"github.com/warriorguo/swarmflow/runtime"
	"github.com/warriorguo/swarmflow/store"
	"github.com/warriorguo/swarmflow/store/file"
	"github.com/warriorguo/swarmflow/store/mem"
	"github.com/warriorguo/swarmflow/store/postgres"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/wal"
)

/**
 * New assembles an orchestrator from options: event log backend (file
 * by default, in-memory for tests, optional PostgreSQL mirror), data
 * ref registry, token service and fleet registry. Call Recover before
 * accepting work when the log may hold prior state.
 */
func New(secret []byte, opts ...types.Option) (*runtime.Orchestrator, error) {
	options := types.NewOrchestratorOptions()
	for _, opt := range opts {
		opt(options)
	}

	var backing store.Log
	var err error
	if options.MemLog {
		backing = mem.NewMemLog()
	} else {
		backing, err = file.NewLog(options.LogPath)
		if err != nil {
			return nil, errors.Annotatef(err, "open event log %s", options.LogPath)
		}
	}

	if options.PostgresMirror != nil {
		pgConfig := &postgres.Config{
			Host:     options.PostgresMirror.Host,
			Port:     options.PostgresMirror.Port,
			User:     options.PostgresMirror.User,
			Password: options.PostgresMirror.Password,
			Database: options.PostgresMirror.Database,
			SSLMode:  options.PostgresMirror.SSLMode,
		}
		mirror, err := postgres.NewLog(pgConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "open PostgreSQL mirror")
		}
		backing = store.Mirrored(backing, mirror)
	}

	clk := clock.New()
	eventLog := wal.New(backing)
	refs := dataref.NewRegistry(eventLog, clk)
	tokens := dataref.NewTokenService(secret, options.Issuer, options.TokenTTL, clk, refs)
	servers := fleet.NewRegistry()

	return runtime.New(eventLog, refs, tokens, servers, clk, nil, options), nil
}
