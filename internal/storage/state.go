package storage

import (
	"sort"
	"strconv"
	"time"

	"steamwatch/internal/presence"
)

// record is one journal line. Every op is an idempotent upsert or delete, so
// replaying a journal on top of a snapshot that already contains it is safe.
type record struct {
	Op       string                 `json:"op"`
	Snapshot *presence.Snapshot     `json:"snapshot,omitempty"`
	Meta     *PollMeta              `json:"meta,omitempty"`
	Identity presence.Identity      `json:"identity,string,omitempty"`
	Group    string                 `json:"group,omitempty"`
	Sub      *presence.Subscription `json:"sub,omitempty"`
	Prefs    *presence.GroupPrefs   `json:"prefs,omitempty"`
	Key      string                 `json:"key,omitempty"`
	Until    int64                  `json:"until,omitempty"`
	AppID    uint64                 `json:"app_id,omitempty"`
}

const (
	opSnapshot = "snapshot"
	opMeta     = "meta"
	opForget   = "forget"
	opSub      = "sub"
	opUnsub    = "unsub"
	opPrefs    = "prefs"
	opDedup    = "dedup"
	opNoAch    = "noach"
)

// memState is the in-memory image shared by the file and memory drivers.
type memState struct {
	Snapshots map[string]presence.Snapshot     `json:"snapshots"`
	Meta      map[string]PollMeta              `json:"meta"`
	Subs      map[string]presence.Subscription `json:"subs"`
	Prefs     map[string]presence.GroupPrefs   `json:"prefs"`
	Dedup     map[string]int64                 `json:"dedup"` // unix milli
	NoAch     map[string]int64                 `json:"no_achievement_apps"`
}

func newMemState() *memState {
	m := &memState{}
	m.ensure()
	return m
}

func (m *memState) ensure() {
	if m.Snapshots == nil {
		m.Snapshots = map[string]presence.Snapshot{}
	}
	if m.Meta == nil {
		m.Meta = map[string]PollMeta{}
	}
	if m.Subs == nil {
		m.Subs = map[string]presence.Subscription{}
	}
	if m.Prefs == nil {
		m.Prefs = map[string]presence.GroupPrefs{}
	}
	if m.Dedup == nil {
		m.Dedup = map[string]int64{}
	}
	if m.NoAch == nil {
		m.NoAch = map[string]int64{}
	}
}

func subKey(group string, id presence.Identity) string { return group + "|" + id.String() }

func (m *memState) apply(r record) {
	switch r.Op {
	case opSnapshot:
		if r.Snapshot != nil {
			m.Snapshots[r.Snapshot.Identity.String()] = *r.Snapshot
		}
		if r.Meta != nil {
			m.Meta[r.Meta.Identity.String()] = *r.Meta
		}
	case opMeta:
		if r.Meta != nil {
			m.Meta[r.Meta.Identity.String()] = *r.Meta
		}
	case opForget:
		delete(m.Snapshots, r.Identity.String())
		delete(m.Meta, r.Identity.String())
	case opSub:
		if r.Sub != nil {
			m.Subs[subKey(r.Sub.Group, r.Sub.Identity)] = r.Sub.Clone()
		}
	case opUnsub:
		delete(m.Subs, subKey(r.Group, r.Identity))
	case opPrefs:
		if r.Prefs != nil {
			m.Prefs[r.Prefs.Group] = *r.Prefs
		}
	case opDedup:
		if r.Key != "" {
			m.Dedup[r.Key] = r.Until
		}
	case opNoAch:
		if r.AppID != 0 {
			m.NoAch[strconv.FormatUint(r.AppID, 10)] = r.Until
		}
	}
}

func (m *memState) pruneDedup(now time.Time) int {
	ms := now.UnixMilli()
	n := 0
	for k, v := range m.Dedup {
		if v < ms {
			delete(m.Dedup, k)
			n++
		}
	}
	return n
}

// export deep-copies the image into a State.
func (m *memState) export() State {
	st := State{
		Snapshots:         make(map[presence.Identity]presence.Snapshot, len(m.Snapshots)),
		Meta:              make(map[presence.Identity]PollMeta, len(m.Meta)),
		Subscriptions:     make([]presence.Subscription, 0, len(m.Subs)),
		GroupPrefs:        make(map[string]presence.GroupPrefs, len(m.Prefs)),
		NoAchievementApps: make(map[uint64]struct{}, len(m.NoAch)),
	}
	for _, s := range m.Snapshots {
		cp := s
		if s.Achievements != nil {
			cp.Achievements = make(map[string]time.Time, len(s.Achievements))
			for k, v := range s.Achievements {
				cp.Achievements[k] = v
			}
		}
		st.Snapshots[s.Identity] = cp
	}
	for _, v := range m.Meta {
		st.Meta[v.Identity] = v
	}
	for _, s := range m.Subs {
		st.Subscriptions = append(st.Subscriptions, s.Clone())
	}
	sort.Slice(st.Subscriptions, func(i, j int) bool {
		a, b := st.Subscriptions[i], st.Subscriptions[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Identity < b.Identity
	})
	for k, v := range m.Prefs {
		st.GroupPrefs[k] = v
	}
	for k := range m.NoAch {
		if id, err := strconv.ParseUint(k, 10, 64); err == nil {
			st.NoAchievementApps[id] = struct{}{}
		}
	}
	return st
}
