package api

import (
	"context"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// ModuleCache hands out one local cache per module, so a module can stash
// per-connection scratch state across its own hook invocations without
// polluting Connection itself.
//
// The lock only guards the pool map; the bigcache instances it stores are
// already safe for concurrent use on their own.
type ModuleCache struct {
	poolLock sync.Mutex
	pool     map[string]*bigcache.BigCache
}

// NewModuleCache creates an empty cache pool.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		pool: make(map[string]*bigcache.BigCache),
	}
}

// ForModule returns the local cache for the given module name, creating one
// lazily on first use.
func (m *ModuleCache) ForModule(name string) (*bigcache.BigCache, error) {
	m.poolLock.Lock()
	defer m.poolLock.Unlock()

	if c, ok := m.pool[name]; ok {
		return c, nil
	}

	c, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return nil, err
	}
	m.pool[name] = c
	return c, nil
}
