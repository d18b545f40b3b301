package dirsync

import (
	"maps"
	"slices"
	"sync"
)

type memberSet map[string]struct{}

func newMemberSet(keys ...string) memberSet {
	set := make(memberSet, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}

func (s memberSet) sorted() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// MembershipIndex holds the last observed member set of each tracked group,
// keyed by normalized DN. A group absent from the index is UNSEEN; a group
// present is BASELINED. Mutations go through a MembershipStage.
type MembershipIndex struct {
	mu     sync.RWMutex
	groups map[string]memberSet
}

// NewMembershipIndex returns an empty index.
func NewMembershipIndex() *MembershipIndex {
	return &MembershipIndex{groups: make(map[string]memberSet)}
}

// Baselined reports whether the group's member set is known.
func (ix *MembershipIndex) Baselined(groupKey string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	_, ok := ix.groups[groupKey]
	return ok
}

// Len returns the number of baselined groups.
func (ix *MembershipIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return len(ix.groups)
}

// Snapshot exports the committed state.
func (ix *MembershipIndex) Snapshot() MembershipSnapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	snapshot := make(MembershipSnapshot, len(ix.groups))
	for key, members := range ix.groups {
		snapshot[key] = members.sorted()
	}
	return snapshot
}

// Restore replaces the committed state with a snapshot.
func (ix *MembershipIndex) Restore(snapshot MembershipSnapshot) {
	groups := make(map[string]memberSet, len(snapshot))
	for key, members := range snapshot {
		groups[key] = newMemberSet(members...)
	}

	ix.mu.Lock()
	ix.groups = groups
	ix.mu.Unlock()
}

// Reset forgets every baseline.
func (ix *MembershipIndex) Reset() {
	ix.mu.Lock()
	ix.groups = make(map[string]memberSet)
	ix.mu.Unlock()
}

// Stage starts a set of tentative mutations on top of the committed state.
func (ix *MembershipIndex) Stage() *MembershipStage {
	return &MembershipStage{
		index:  ix,
		staged: make(map[string]memberSet),
	}
}

func (ix *MembershipIndex) members(groupKey string) (memberSet, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	members, ok := ix.groups[groupKey]
	return members, ok
}

func (ix *MembershipIndex) hasMember(memberKey string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, members := range ix.groups {
		if _, ok := members[memberKey]; ok {
			return true
		}
	}
	return false
}

// MembershipStage is a copy-on-write overlay of a MembershipIndex. Nothing
// reaches the index until Commit.
type MembershipStage struct {
	index     *MembershipIndex
	staged    map[string]memberSet
	committed bool
}

// Members returns the staged member set of a group, falling back to the
// committed one. ok is false for an UNSEEN group.
func (s *MembershipStage) Members(groupKey string) ([]string, bool) {
	members, ok := s.lookup(groupKey)
	if !ok {
		return nil, false
	}
	return members.sorted(), true
}

// Replace records the current member set of a group.
func (s *MembershipStage) Replace(groupKey string, memberKeys []string) {
	s.staged[groupKey] = newMemberSet(memberKeys...)
}

// Baselined reports whether the group is known in the stage or the index.
func (s *MembershipStage) Baselined(groupKey string) bool {
	_, ok := s.lookup(groupKey)
	return ok
}

// AnyUnseen reports whether any of the groups has no baseline.
func (s *MembershipStage) AnyUnseen(groupKeys []string) bool {
	for _, key := range groupKeys {
		if !s.Baselined(key) {
			return true
		}
	}
	return false
}

// KnowsMember reports whether memberKey is in any baseline, committed or
// staged. A member removed in this poll is still known.
func (s *MembershipStage) KnowsMember(memberKey string) bool {
	for _, members := range s.staged {
		if _, ok := members[memberKey]; ok {
			return true
		}
	}
	return s.index.hasMember(memberKey)
}

// Changed reports whether the stage holds any mutation.
func (s *MembershipStage) Changed() bool {
	return len(s.staged) > 0
}

// Snapshot exports the committed state with the staged mutations applied.
func (s *MembershipStage) Snapshot() MembershipSnapshot {
	snapshot := s.index.Snapshot()
	for key, members := range s.staged {
		snapshot[key] = members.sorted()
	}
	return snapshot
}

// Commit applies the staged mutations to the index. A stage commits once.
func (s *MembershipStage) Commit() {
	if s.committed {
		return
	}
	s.committed = true

	s.index.mu.Lock()
	defer s.index.mu.Unlock()

	maps.Copy(s.index.groups, s.staged)
}

func (s *MembershipStage) lookup(groupKey string) (memberSet, bool) {
	if members, ok := s.staged[groupKey]; ok {
		return members, true
	}
	return s.index.members(groupKey)
}

// setDifference returns the keys of current missing from previous and the
// keys of previous missing from current, both sorted.
func setDifference(previous, current []string) (added, removed []string) {
	prev := newMemberSet(previous...)
	curr := newMemberSet(current...)

	for key := range curr {
		if _, ok := prev[key]; !ok {
			added = append(added, key)
		}
	}

	for key := range prev {
		if _, ok := curr[key]; !ok {
			removed = append(removed, key)
		}
	}

	slices.Sort(added)
	slices.Sort(removed)

	return added, removed
}
