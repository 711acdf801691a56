package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/warriorguo/swarmflow/store"
)

var (
	_ store.Log = &memLog{}
)

func NewMemLog() store.Log {
	return &memLog{
		// setup no error as default
		mockErrHandler: defaultNoErr,
	}
}

func NewMemLogWithErrHandler(errHandler func() error) store.Log {
	return &memLog{
		mockErrHandler: errHandler,
	}
}

func defaultNoErr() error {
	return nil
}

/**
 * memLog keeps the whole record sequence in memory. It exists for debug
 * & testing: the injectable error handler simulates durability failures.
 * NEVER use it in the Production!
 */
type memLog struct {
	mu sync.Mutex

	mockErrHandler func() error

	records [][]byte
}

func (m *memLog) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := "\n----------\n"
	for pos, rec := range m.records {
		s += fmt.Sprintf("%d: %s\n", pos, string(rec))
	}
	s += "----------\n"
	return s
}

func (m *memLog) Append(ctx context.Context, rec []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mockErrHandler(); err != nil {
		return 0, err
	}
	cp := make([]byte, len(rec))
	copy(cp, rec)
	m.records = append(m.records, cp)
	return int64(len(m.records) - 1), nil
}

func (m *memLog) Replay(ctx context.Context, from int64, iterator func(pos int64, rec []byte) bool) error {
	m.mu.Lock()
	snapshot := make([][]byte, len(m.records))
	copy(snapshot, m.records)
	m.mu.Unlock()

	for pos, rec := range snapshot {
		if int64(pos) < from {
			continue
		}
		if !iterator(int64(pos), rec) {
			break
		}
	}
	return m.mockErrHandler()
}

func (m *memLog) Close() error {
	return nil
}
