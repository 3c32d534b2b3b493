package hub

import (
	"sort"
	"sync"
)

// Groups tracks which connections belong to which broadcast groups.
// Membership is a set, so joining twice is a no-op.
type Groups struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // group -> connection ids
	byConn  map[string]map[string]struct{} // connection id -> groups
}

// NewGroups creates an empty registry.
func NewGroups() *Groups {
	return &Groups{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Add puts connID into group. It reports whether the membership is new.
func (g *Groups) Add(connID, group string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.members[group]
	if !ok {
		set = make(map[string]struct{})
		g.members[group] = set
	}
	if _, dup := set[connID]; dup {
		return false
	}
	set[connID] = struct{}{}

	groups, ok := g.byConn[connID]
	if !ok {
		groups = make(map[string]struct{})
		g.byConn[connID] = groups
	}
	groups[group] = struct{}{}
	return true
}

// Remove takes connID out of group. It reports whether it was a member.
func (g *Groups) Remove(connID, group string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(connID, group)
}

// RemoveConnection drops every membership of connID and returns the groups
// it was in.
func (g *Groups) RemoveConnection(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var left []string
	for group := range g.byConn[connID] {
		left = append(left, group)
	}
	for _, group := range left {
		g.removeLocked(connID, group)
	}
	sort.Strings(left)
	return left
}

func (g *Groups) removeLocked(connID, group string) bool {
	set, ok := g.members[group]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(g.members, group)
	}
	if groups := g.byConn[connID]; groups != nil {
		delete(groups, group)
		if len(groups) == 0 {
			delete(g.byConn, connID)
		}
	}
	return true
}

// Members returns the connection ids in group.
func (g *Groups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members[group]))
	for id := range g.members[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Of returns the groups connID belongs to, sorted.
func (g *Groups) Of(connID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byConn[connID]))
	for group := range g.byConn[connID] {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of non-empty groups.
func (g *Groups) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
