package runtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

/**
 * pendingTasks tracks every task waiting on a terminal callback. A task
 * whose timer fires before completion or failure arrives is handed to
 * the timeout handler, which feeds it into the retry path as a dispatch
 * failure. Progress callbacks re-arm the timer.
 */
type pendingTasks struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	timers  map[uuid.UUID]*clock.Timer
}

func newPendingTasks(clk clock.Clock, timeout time.Duration) *pendingTasks {
	return &pendingTasks{
		clock:   clk,
		timeout: timeout,
		timers:  map[uuid.UUID]*clock.Timer{},
	}
}

func (p *pendingTasks) track(taskID uuid.UUID, onTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[taskID]; ok {
		t.Stop()
	}
	p.timers[taskID] = p.clock.AfterFunc(p.timeout, func() {
		p.drop(taskID)
		onTimeout()
	})
}

// touch re-arms the timeout after a sign of life from the executor.
func (p *pendingTasks) touch(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[taskID]; ok {
		t.Stop()
		t.Reset(p.timeout)
	}
}

func (p *pendingTasks) drop(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[taskID]; ok {
		t.Stop()
		delete(p.timers, taskID)
	}
}

func (p *pendingTasks) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
