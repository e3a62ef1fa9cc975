package session

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ollamaacp/internal/logging"
	"ollamaacp/internal/observability"
	"ollamaacp/internal/utils/id"
)

// DefaultMaxSessions bounds the registry when no capacity is configured.
const DefaultMaxSessions = 1024

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	MaxSessions int
	Executor    Options
}

// Registry maps session ids to executors. The least recently used session is
// evicted, and its live run cancelled, once MaxSessions is exceeded.
type Registry struct {
	driver  Streamer
	opts    Options
	logger  logging.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	cache *lru.Cache[string, *Executor]
	// draining holds evicted sessions whose cancelled run has not finished.
	draining map[string]<-chan struct{}
}

func NewRegistry(driver Streamer, config RegistryConfig) (*Registry, error) {
	size := config.MaxSessions
	if size <= 0 {
		size = DefaultMaxSessions
	}
	r := &Registry{
		driver:   driver,
		opts:     config.Executor,
		logger:   logging.OrNop(config.Executor.Logger),
		metrics:  config.Executor.Metrics,
		draining: make(map[string]<-chan struct{}),
	}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// onEvict runs from cache.Add, with r.mu held.
func (r *Registry) onEvict(sessionID string, exec *Executor) {
	r.logger.Info("evicting session %s", sessionID)
	r.metrics.RecordSessionEvicted()
	done := exec.drained()
	exec.Cancel()
	if done == nil {
		return
	}
	r.draining[sessionID] = done
	go func() {
		<-done
		r.mu.Lock()
		if r.draining[sessionID] == done {
			delete(r.draining, sessionID)
		}
		r.mu.Unlock()
	}()
}

// Create registers a fresh session under a newly generated id.
func (r *Registry) Create() *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(id.NewSessionID())
}

// Get returns the session for sessionID.
func (r *Registry) Get(sessionID string) (*Executor, bool) {
	return r.cache.Get(sessionID)
}

// GetOrCreate returns the session for sessionID, registering an empty one
// under that id when it is unknown.
func (r *Registry) GetOrCreate(sessionID string) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, ok := r.cache.Get(sessionID); ok {
		return exec
	}
	r.logger.Info("adopting unknown session %s", sessionID)
	return r.createLocked(sessionID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// createLocked registers a new executor. When an evicted session with the
// same id is still unwinding, the new executor's first turn waits for it.
func (r *Registry) createLocked(sessionID string) *Executor {
	exec := NewExecutor(sessionID, r.driver, r.opts)
	if done, ok := r.draining[sessionID]; ok {
		exec.after = done
	}
	r.cache.Add(sessionID, exec)
	r.metrics.RecordSessionCreated()
	return exec
}
