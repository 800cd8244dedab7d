package presence

import "sort"

// Subscription is one group's interest in one identity.
//
// Linked groups receive the same notifications without polling on their own.
// Linkage is additive: a linked group keeps its own subscriptions and flags.
type Subscription struct {
	Group           string   `json:"group"`
	Identity        Identity `json:"identity,string"`
	Enabled         bool     `json:"enabled"`
	AchievementPush bool     `json:"achievement_push"`
	Linked          []string `json:"linked,omitempty"`
}

func (s Subscription) Clone() Subscription {
	cp := s
	cp.Linked = append([]string(nil), s.Linked...)
	return cp
}

// HasLink reports whether group is one of s's linked push groups.
func (s Subscription) HasLink(group string) bool {
	for _, g := range s.Linked {
		if g == group {
			return true
		}
	}
	return false
}

// WithLink returns a copy with group added to the linked set (sorted, unique).
func (s Subscription) WithLink(group string) Subscription {
	cp := s.Clone()
	if !cp.HasLink(group) {
		cp.Linked = append(cp.Linked, group)
		sort.Strings(cp.Linked)
	}
	return cp
}

// WithoutLink returns a copy with group removed from the linked set.
func (s Subscription) WithoutLink(group string) Subscription {
	cp := s.Clone()
	out := cp.Linked[:0]
	for _, g := range cp.Linked {
		if g != group {
			out = append(out, g)
		}
	}
	cp.Linked = out
	return cp
}

// GroupPrefs are per-group defaults. AchievementPush applies to a linked
// group that has no subscription of its own for the identity.
type GroupPrefs struct {
	Group           string `json:"group"`
	AchievementPush bool   `json:"achievement_push"`
}

func DefaultGroupPrefs(group string) GroupPrefs {
	return GroupPrefs{Group: group, AchievementPush: true}
}
