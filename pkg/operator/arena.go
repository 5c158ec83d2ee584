// The arena caches built operator sets keyed by mesh snapshot identity, so a
// static mesh trained for many steps pays for construction once. It follows
// the single-writer-then-many-readers discipline: Build happens under the
// write lock, every later Get is a shared read of an immutable Set.

package operator

import (
	"sync"

	"github.com/mversi/equimesh/pkg/mesh"
	"github.com/mversi/equimesh/pkg/metrics"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// Arena caches operator sets per (mesh snapshot, normalization scheme).
// The zero value is ready to use.
type Arena struct {
	mu   sync.RWMutex
	sets btree.Map[string, *Set]
}

func arenaKey(id uuid.UUID, cfg Config) string {
	return id.String() + "|" + string(cfg.normalization())
}

// Get returns the cached operator set for the mesh, building it on first
// request. Concurrent Gets for the same mesh are safe; at most one build
// runs under the write lock and later callers share its result.
func (ar *Arena) Get(m *mesh.Mesh, cfg Config) (*Set, error) {
	key := arenaKey(m.ID(), cfg)

	ar.mu.RLock()
	s, ok := ar.sets.Get(key)
	ar.mu.RUnlock()
	if ok {
		return s, nil
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()
	if s, ok := ar.sets.Get(key); ok {
		return s, nil
	}
	s, err := Build(m, cfg)
	if err != nil {
		return nil, err
	}
	ar.sets.Set(key, s)
	metrics.ArenaSets.Set(float64(ar.sets.Len()))
	return s, nil
}

// Invalidate drops every cached set for the given mesh identity. Call it
// when the owning mesh is discarded; a geometry change already produces a
// fresh identity via mesh.Rebuild and needs no invalidation.
func (ar *Arena) Invalidate(id uuid.UUID) {
	prefix := id.String() + "|"

	ar.mu.Lock()
	defer ar.mu.Unlock()
	var stale []string
	ar.sets.Ascend(prefix, func(key string, _ *Set) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		stale = append(stale, key)
		return true
	})
	for _, key := range stale {
		ar.sets.Delete(key)
	}
	metrics.ArenaSets.Set(float64(ar.sets.Len()))
}

// Len returns the number of cached operator sets.
func (ar *Arena) Len() int {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	return ar.sets.Len()
}
