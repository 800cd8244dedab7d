package dispatch

import (
	"sort"

	"steamwatch/internal/presence"
)

// Registry is the read side of the subscription registry.
type Registry interface {
	// SubscriptionsFor returns every subscription for id, enabled or not.
	SubscriptionsFor(id presence.Identity) []presence.Subscription
	GroupPrefs(group string) (presence.GroupPrefs, bool)
}

// ResolveTargets returns the groups that should receive ev, sorted.
//
// Targets are the groups with an enabled subscription plus each such
// subscription's linked push groups. For achievement events every group
// applies its own toggle: its own subscription for the identity if it has
// one, else its group preference.
func ResolveTargets(reg Registry, ev presence.Event) []string {
	if reg == nil {
		return nil
	}
	subs := reg.SubscriptionsFor(ev.Identity)
	if len(subs) == 0 {
		return nil
	}
	own := make(map[string]presence.Subscription, len(subs))
	for _, s := range subs {
		own[s.Group] = s
	}

	achievementOn := func(group string) bool {
		if s, ok := own[group]; ok {
			return s.AchievementPush
		}
		if p, ok := reg.GroupPrefs(group); ok {
			return p.AchievementPush
		}
		return presence.DefaultGroupPrefs(group).AchievementPush
	}

	set := map[string]struct{}{}
	add := func(group string) {
		if group == "" {
			return
		}
		if ev.Kind.IsAchievement() && !achievementOn(group) {
			return
		}
		set[group] = struct{}{}
	}
	for _, s := range subs {
		if !s.Enabled {
			continue
		}
		add(s.Group)
		for _, l := range s.Linked {
			add(l)
		}
	}

	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
