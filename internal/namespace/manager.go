package namespace

import (
	"context"
	"sync"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/datastore"
)

// Manager is a process-wide cache of compiled namespace definitions keyed
// by (name, revision), held in a map guarded by a read-write mutex. It exists so that the check engine
// does not deserialize and re-walk the same namespace on every dispatched
// subproblem of a single request, let alone across requests.
type Manager struct {
	mu    sync.RWMutex
	byKey map[cacheKey]*cacheEntry
}

type cacheKey struct {
	name     string
	revision string
}

type cacheEntry struct {
	def          *v0.NamespaceDefinition
	reachability ReachabilityGraph
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{byKey: make(map[cacheKey]*cacheEntry)}
}

// ReadNamespace returns the compiled definition for name as of revision,
// populating the cache on a miss. A cache hit never touches the datastore.
func (m *Manager) ReadNamespace(ctx context.Context, reader datastore.Reader, revision datastore.Revision, name string) (*v0.NamespaceDefinition, ReachabilityGraph, error) {
	key := cacheKey{name: name, revision: revision.String()}

	m.mu.RLock()
	entry, ok := m.byKey[key]
	m.mu.RUnlock()
	if ok {
		return entry.def, entry.reachability, nil
	}

	def, _, err := reader.ReadNamespace(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	entry = &cacheEntry{def: def, reachability: BuildReachability(def)}

	m.mu.Lock()
	m.byKey[key] = entry
	m.mu.Unlock()

	return entry.def, entry.reachability, nil
}

// Forget drops every cached entry for name, regardless of revision. Called
// after a WriteNamespaces/DeleteNamespaces commits so that stale compiled
// definitions are not served to callers requesting a revision at or after
// the mutation (the cache key includes revision, so this is mostly a memory
// bound rather than a correctness requirement).
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byKey {
		if key.name == name {
			delete(m.byKey, key)
		}
	}
}

// Size returns the number of cached (name, revision) entries, used by tests.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}
