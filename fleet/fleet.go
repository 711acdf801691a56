package fleet

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/utils"
)

// Registry is the orchestrator's view of the executor fleet.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*types.ServerInfo
	rr      uint64
}

func NewRegistry() *Registry {
	return &Registry{servers: map[string]*types.ServerInfo{}}
}

func (r *Registry) Add(info types.ServerInfo) error {
	if info.Address == "" {
		return errors.NotValidf("server without address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.servers[info.Address]; ok {
		// re-announce refreshes capabilities in place
		existing.Capabilities = info.Capabilities
		existing.Models = info.Models
		existing.Sessions = info.Sessions
		existing.Healthy = true
		existing.LastSeen = info.LastSeen
		return nil
	}

	info.Healthy = true
	r.servers[info.Address] = &info
	log.Infof("server %s joined (%d models)", info.Address, len(info.Models))
	return nil
}

func (r *Registry) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[address]; !ok {
		return errors.NotFoundf("server %s", address)
	}
	delete(r.servers, address)
	log.Infof("server %s left", address)
	return nil
}

func (r *Registry) Get(address string) (types.ServerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[address]
	if !ok {
		return types.ServerInfo{}, errors.NotFoundf("server %s", address)
	}
	return *s, nil
}

// List returns all servers sorted by address for deterministic iteration.
func (r *Registry) List() []types.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	servers := make([]types.ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, *s)
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Address < servers[j].Address
	})
	return servers
}

// Healthy returns the healthy subset, sorted by address.
func (r *Registry) Healthy() []types.ServerInfo {
	healthy := []types.ServerInfo{}
	for _, s := range r.List() {
		if s.Healthy {
			healthy = append(healthy, s)
		}
	}
	return healthy
}

func (r *Registry) MarkHealthy(address string) {
	r.setHealth(address, true)
}

func (r *Registry) MarkUnhealthy(address string) {
	r.setHealth(address, false)
}

func (r *Registry) setHealth(address string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[address]
	if !ok {
		return
	}
	if s.Healthy && !healthy {
		log.Warnf("server %s marked unhealthy", address)
	}
	s.Healthy = healthy
}

func (r *Registry) AdjustLoad(address string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[address]
	if !ok {
		return
	}
	s.Load += delta
	if s.Load < 0 {
		s.Load = 0
	}
}

// BindSession records a session as resident on a server so later nodes
// of the same session land there.
func (r *Registry) BindSession(address, sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[address]
	if !ok {
		return
	}
	s.Sessions = utils.UniqueSlice(append(s.Sessions, sessionID))
}

// NextRR hands out a monotonically increasing counter for round-robin
// placement among equally ranked servers.
func (r *Registry) NextRR() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.rr
	r.rr++
	return n
}
