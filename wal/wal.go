package wal

import (
	"context"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/store"
	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/utils"
)

type Position int64

/**
 * EventLog is the single serialization point for orchestrator state:
 * every transition is appended here, durably, before the corresponding
 * in-memory mutation. Replaying from position zero after a crash
 * reconstructs exactly the state any external observer could have seen.
 */
type EventLog struct {
	log store.Log
}

func New(l store.Log) *EventLog {
	return &EventLog{log: l}
}

func (e *EventLog) Append(ctx context.Context, ev types.Event) (Position, error) {
	b, err := utils.Serialize(ev)
	if err != nil {
		return 0, errors.Trace(err)
	}

	pos, err := e.log.Append(ctx, b)
	if err != nil {
		return 0, errors.Annotatef(err, "append %s", ev.Kind)
	}
	log.Debugf("appended %s at %d", ev.Kind, pos)
	return Position(pos), nil
}

/**
 * Replay streams every logged event in order. A record that fails to
 * decode is a RecoveryError: the log is the source of truth and a
 * corrupt entry cannot be silently skipped.
 */
func (e *EventLog) Replay(ctx context.Context, handler func(Position, types.Event) error) error {
	var handlerErr error
	err := e.log.Replay(ctx, 0, func(pos int64, rec []byte) bool {
		ev := types.Event{}
		if err := utils.Unserialize(rec, &ev); err != nil {
			handlerErr = types.NewRecoveryErrorf("undecodable event at position %d: %v", pos, err)
			return false
		}
		if err := handler(Position(pos), ev); err != nil {
			handlerErr = errors.Trace(err)
			return false
		}
		return true
	})
	if err != nil {
		return errors.Trace(err)
	}
	return handlerErr
}

func (e *EventLog) Close() error {
	return errors.Trace(e.log.Close())
}
