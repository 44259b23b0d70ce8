// Package viewers tracks the advisory "currently viewing" sets per document.
package viewers

import (
	"sort"
	"sync"

	"collabhub/pkg/types"
)

// Registry maps a document key to the set of users viewing it.
// An empty set is deleted rather than kept, so key presence means "has viewers".
type Registry struct {
	mu   sync.RWMutex
	sets map[types.DocumentKey]map[string]types.Viewer
}

func NewRegistry() *Registry {
	return &Registry{
		sets: make(map[types.DocumentKey]map[string]types.Viewer),
	}
}

// StartViewing adds viewer to key's set. It returns the resulting list and whether
// the set changed; a repeated start is not a change.
func (r *Registry) StartViewing(key types.DocumentKey, viewer types.Viewer) ([]types.Viewer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.sets[key]
	if !exists {
		set = make(map[string]types.Viewer)
		r.sets[key] = set
	}
	if existing, ok := set[viewer.UserID]; ok && existing == viewer {
		return listOf(set), false
	}
	set[viewer.UserID] = viewer
	return listOf(set), true
}

// StopViewing removes userID from key's set.
func (r *Registry) StopViewing(key types.DocumentKey, userID string) ([]types.Viewer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.sets[key]
	if !exists {
		return []types.Viewer{}, false
	}
	if _, ok := set[userID]; !ok {
		return listOf(set), false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.sets, key)
	}
	return listOf(set), true
}

// RemoveUser drops userID from every set and returns the new list for each key
// that changed. Lists may be empty when the user was the last viewer.
func (r *Registry) RemoveUser(userID string) map[types.DocumentKey][]types.Viewer {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make(map[types.DocumentKey][]types.Viewer)
	for key, set := range r.sets {
		if _, ok := set[userID]; !ok {
			continue
		}
		delete(set, userID)
		if len(set) == 0 {
			delete(r.sets, key)
		}
		changed[key] = listOf(set)
	}
	return changed
}

// Viewers returns key's viewers ordered by user ID.
func (r *Registry) Viewers(key types.DocumentKey) []types.Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return listOf(r.sets[key])
}

// HasViewers reports whether key is present in the map.
func (r *Registry) HasViewers(key types.DocumentKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sets[key]
	return exists
}

// Snapshot returns every non-empty viewer set, ordered by document key.
func (r *Registry) Snapshot() []types.ViewersPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ViewersPayload, 0, len(r.sets))
	for key, set := range r.sets {
		out = append(out, types.ViewersPayload{DocumentKey: key, Viewers: listOf(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentKey.String() < out[j].DocumentKey.String() })
	return out
}

// Len returns the number of documents with at least one viewer.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

func listOf(set map[string]types.Viewer) []types.Viewer {
	list := make([]types.Viewer, 0, len(set))
	for _, v := range set {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}
