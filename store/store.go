package store

import (
	"context"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

/**
 * Log is an append-only record log. Append returns only after the record
 * is durable for the backend's durability domain; positions are assigned
 * monotonically starting at 0.
 */
type Log interface {
	Append(ctx context.Context, rec []byte) (int64, error)
	/**
	 * Replay streams records with position >= from in order. The
	 * iterator returns false to stop early.
	 */
	Replay(ctx context.Context, from int64, iterator func(pos int64, rec []byte) bool) error

	Close() error
}

/**
 * Mirrored wraps a primary log with a best-effort mirror: every record
 * is appended to the primary first, then copied to the mirror. A mirror
 * failure is logged and does not fail the append; replay always reads
 * the primary.
 */
func Mirrored(primary, mirror Log) Log {
	return &mirroredLog{primary: primary, mirror: mirror}
}

type mirroredLog struct {
	primary Log
	mirror  Log
}

func (m *mirroredLog) Append(ctx context.Context, rec []byte) (int64, error) {
	pos, err := m.primary.Append(ctx, rec)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if _, merr := m.mirror.Append(ctx, rec); merr != nil {
		log.Errorf("mirror append at position %d failed: %v", pos, merr)
	}
	return pos, nil
}

func (m *mirroredLog) Replay(ctx context.Context, from int64, iterator func(pos int64, rec []byte) bool) error {
	return errors.Trace(m.primary.Replay(ctx, from, iterator))
}

func (m *mirroredLog) Close() error {
	err := m.primary.Close()
	if merr := m.mirror.Close(); merr != nil && err == nil {
		err = merr
	}
	return errors.Trace(err)
}
