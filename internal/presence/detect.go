package presence

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"
)

// Detect compares two consecutive snapshots of one identity.
//
// A nil old snapshot seeds state and yields nothing. Otherwise at most one
// presence event is returned, followed by one achievement event per newly
// unlocked id ordered by unlock time and then id.
func Detect(old *Snapshot, cur Snapshot) []Event {
	if old == nil {
		return nil
	}
	var out []Event
	if ev, ok := presenceEvent(*old, cur); ok {
		out = append(out, ev)
	}
	return append(out, achievementEvents(*old, cur)...)
}

func presenceEvent(old, cur Snapshot) (Event, bool) {
	ev := Event{
		Identity:    cur.Identity,
		PersonaName: cur.PersonaName,
		OldPresence: old.Presence,
		NewPresence: cur.Presence,
		At:          cur.FetchedAt,
		Since:       old.FetchedAt,
	}
	if old.InGame() {
		ev.OldGameID = old.GameID
		ev.OldGameName = old.GameName
		if !old.GameStartedAt.IsZero() && cur.FetchedAt.After(old.GameStartedAt) {
			ev.Session = cur.FetchedAt.Sub(old.GameStartedAt)
		}
	}
	if cur.InGame() {
		ev.NewGameID = cur.GameID
		ev.NewGameName = cur.GameName
	}

	// Precedence order; the categories are disjoint for any state pair.
	switch {
	case old.Presence == Offline && cur.Presence == Online:
		ev.Kind = KindOnline
	case old.Presence == Online && cur.Presence == Offline:
		ev.Kind = KindOffline
	case old.InGame() && cur.InGame() && old.GameID != cur.GameID:
		ev.Kind = KindGameSwitch
	case old.InGame() && !cur.InGame():
		ev.Kind = KindGameEnd
	case !old.InGame() && cur.InGame():
		ev.Kind = KindGameStart
	default:
		return Event{}, false
	}
	return ev, true
}

func achievementEvents(old, cur Snapshot) []Event {
	if !old.InGame() || !cur.InGame() || old.GameID != cur.GameID {
		return nil
	}
	if old.Achievements == nil || cur.Achievements == nil {
		return nil
	}

	type unlock struct {
		id string
		at time.Time
	}
	var fresh []unlock
	for id, at := range cur.Achievements {
		if _, seen := old.Achievements[id]; seen {
			continue
		}
		fresh = append(fresh, unlock{id: id, at: at})
	}
	sort.Slice(fresh, func(i, j int) bool {
		if !fresh[i].at.Equal(fresh[j].at) {
			return fresh[i].at.Before(fresh[j].at)
		}
		return fresh[i].id < fresh[j].id
	})

	out := make([]Event, 0, len(fresh))
	for _, u := range fresh {
		out = append(out, Event{
			Kind:          KindAchievement,
			Identity:      cur.Identity,
			PersonaName:   cur.PersonaName,
			OldPresence:   old.Presence,
			NewPresence:   cur.Presence,
			OldGameID:     old.GameID,
			NewGameID:     cur.GameID,
			OldGameName:   old.GameName,
			NewGameName:   cur.GameName,
			At:            cur.FetchedAt,
			Since:         old.FetchedAt,
			AchievementID: u.id,
			UnlockedAt:    u.at,
		})
	}
	return out
}

// Carry fills fields of cur that the source cannot know by itself: the game
// session start survives consecutive polls of the same game, and a missing
// achievement set for the same game is taken from old. LastSeen never moves
// backwards, so an offline snapshot with no or a stale lastlogoff keeps the
// time the identity was last observed online. cur is not modified.
func Carry(old *Snapshot, cur Snapshot) Snapshot {
	next := cur.clone()
	if old != nil && old.LastSeen.After(next.LastSeen) {
		next.LastSeen = old.LastSeen
	}
	if !next.InGame() {
		next.GameStartedAt = time.Time{}
		return next
	}
	sameGame := old != nil && old.InGame() && old.GameID == next.GameID
	switch {
	case sameGame && !old.GameStartedAt.IsZero():
		next.GameStartedAt = old.GameStartedAt
	case next.GameStartedAt.IsZero():
		next.GameStartedAt = next.FetchedAt
	}
	if sameGame && next.Achievements == nil && old.Achievements != nil {
		next.Achievements = old.clone().Achievements
	}
	return next
}

// Fingerprint derives the dedup key for an event. Presence events hash the
// old observation time truncated to bucket, so re-detecting the same
// transition against the same stored snapshot yields the same key.
// Achievement events are keyed by (identity, game, achievement) only.
func Fingerprint(e Event, bucket time.Duration) string {
	h := fnv.New64a()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{'|'})
	}
	write(e.Identity.String())
	write(string(e.Kind))
	if e.Kind.IsAchievement() {
		write(strconv.FormatUint(e.NewGameID, 10))
		write(e.AchievementID)
		return fmt.Sprintf("%x", h.Sum64())
	}
	write(e.OldPresence.String() + ":" + strconv.FormatUint(e.OldGameID, 10))
	write(e.NewPresence.String() + ":" + strconv.FormatUint(e.NewGameID, 10))
	ts := e.Since
	if ts.IsZero() {
		ts = e.At
	}
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}
	write(strconv.FormatInt(ts.Unix(), 10))
	return fmt.Sprintf("%x", h.Sum64())
}
