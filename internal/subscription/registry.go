// Package subscription holds the broker's authoritative topic membership
// table. It maps topics to the ids of the sessions subscribed to them and is
// the only piece of state shared by every connection.
package subscription

import (
	"sort"
	"sync"
)

type set map[string]struct{}

// Registry is a concurrent topic -> session id index.
//
// It keeps a reverse index of session id -> topics so that purging a
// disconnected session only touches that session's own topics. Topics whose
// subscriber set becomes empty are pruned immediately, which makes an unknown
// topic and an abandoned one indistinguishable to readers.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]set // topic -> session ids
	sessions map[string]set // session id -> topics
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Topics        int `json:"topics"`
	Sessions      int `json:"sessions"`
	Subscriptions int `json:"subscriptions"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:   make(map[string]set),
		sessions: make(map[string]set),
	}
}

// Subscribe adds sessionID to topic. It reports whether membership changed;
// subscribing twice is a no-op on the second call.
func (r *Registry) Subscribe(topic, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		members = make(set)
		r.topics[topic] = members
	}
	if _, exists := members[sessionID]; exists {
		return false
	}
	members[sessionID] = struct{}{}

	owned, ok := r.sessions[sessionID]
	if !ok {
		owned = make(set)
		r.sessions[sessionID] = owned
	}
	owned[topic] = struct{}{}
	return true
}

// Unsubscribe removes sessionID from topic. It reports whether membership
// changed; unsubscribing from a topic never subscribed is a no-op.
func (r *Registry) Unsubscribe(topic, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, exists := members[sessionID]; !exists {
		return false
	}
	r.removeLocked(topic, sessionID)
	return true
}

// SubscribersOf returns a snapshot of the session ids subscribed to topic.
// The slice is owned by the caller and does not track later mutations.
func (r *Registry) SubscribersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.topics[topic]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// TopicsOf returns the sorted topics sessionID is subscribed to.
func (r *Registry) TopicsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.sessions[sessionID])
}

// IsSubscribed reports whether sessionID is currently subscribed to topic.
func (r *Registry) IsSubscribed(topic, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.topics[topic][sessionID]
	return ok
}

// RemoveSession purges sessionID from every topic and returns the sorted
// topics it was removed from.
func (r *Registry) RemoveSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	removed := sortedKeys(owned)
	for _, topic := range removed {
		r.removeLocked(topic, sessionID)
	}
	return removed
}

// Topics returns the sorted names of all topics with at least one subscriber.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns counts of topics, subscribed sessions and memberships.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := 0
	for _, members := range r.topics {
		subs += len(members)
	}
	return Stats{
		Topics:        len(r.topics),
		Sessions:      len(r.sessions),
		Subscriptions: subs,
	}
}

// removeLocked drops one membership from both indexes and prunes empty sets.
// Callers must hold r.mu for writing.
func (r *Registry) removeLocked(topic, sessionID string) {
	if members, ok := r.topics[topic]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	if owned, ok := r.sessions[sessionID]; ok {
		delete(owned, topic)
		if len(owned) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

func sortedKeys(s set) []string {
	if len(s) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
