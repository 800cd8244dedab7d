package presence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/leighmacdonald/steamid/v2/steamid"
)

// Identity is a 64-bit Steam ID.
type Identity uint64

func (id Identity) String() string { return strconv.FormatUint(uint64(id), 10) }

var (
	reSID  = regexp.MustCompile(`^STEAM_[0-5]:[01]:\d+$`)
	reSID3 = regexp.MustCompile(`^\[U:1:\d+\]$`)
)

// ParseIdentity accepts SteamID64, STEAM_X:Y:Z and [U:1:N] forms.
func ParseIdentity(raw string) (Identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty steam id")
	}
	var sid steamid.SID64
	switch {
	case reSID.MatchString(s):
		sid = steamid.SIDToSID64(steamid.SID(s))
	case reSID3.MatchString(s):
		sid = steamid.SID3ToSID64(steamid.SID3(s))
	default:
		v, err := steamid.SID64FromString(s)
		if err != nil {
			return 0, fmt.Errorf("invalid steam id %q: %w", raw, err)
		}
		sid = v
	}
	if !sid.Valid() {
		return 0, fmt.Errorf("invalid steam id %q", raw)
	}
	return Identity(uint64(sid)), nil
}

// Presence is the coarse state the detector compares.
type Presence uint8

const (
	Offline Presence = iota
	Online
	InGame
)

func (p Presence) String() string {
	switch p {
	case Online:
		return "online"
	case InGame:
		return "in-game"
	default:
		return "offline"
	}
}

func (p Presence) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Presence) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "offline", "":
		*p = Offline
	case "online":
		*p = Online
	case "in-game", "ingame", "in_game":
		*p = InGame
	default:
		return fmt.Errorf("unknown presence %q", string(b))
	}
	return nil
}

// PersonaState mirrors Steam's personastate field.
type PersonaState int

const (
	PersonaOffline PersonaState = iota
	PersonaOnline
	PersonaBusy
	PersonaAway
	PersonaSnooze
	PersonaLookingToTrade
	PersonaLookingToPlay
)

func (s PersonaState) String() string {
	switch s {
	case PersonaOnline:
		return "online"
	case PersonaBusy:
		return "busy"
	case PersonaAway:
		return "away"
	case PersonaSnooze:
		return "snooze"
	case PersonaLookingToTrade:
		return "looking to trade"
	case PersonaLookingToPlay:
		return "looking to play"
	default:
		return "offline"
	}
}

// Snapshot is one observation of an identity. Treat as immutable once built.
//
// Achievements maps achievement id to unlock time. A nil map means the set is
// unknown (not fetched, private profile, game without stats); an empty map
// means known and empty.
type Snapshot struct {
	Identity      Identity             `json:"identity,string"`
	Presence      Presence             `json:"presence"`
	PersonaState  PersonaState         `json:"persona_state"`
	PersonaName   string               `json:"persona_name,omitempty"`
	AvatarURL     string               `json:"avatar_url,omitempty"`
	GameID        uint64               `json:"game_id,omitempty"`
	GameName      string               `json:"game_name,omitempty"`
	GameStartedAt time.Time            `json:"game_started_at,omitempty"`
	LastSeen      time.Time            `json:"last_seen"`
	FetchedAt     time.Time            `json:"fetched_at"`
	Achievements  map[string]time.Time `json:"achievements"`
}

func (s Snapshot) InGame() bool { return s.Presence == InGame }

// Status is the label used in status listings. In-game wins over persona state.
func (s Snapshot) Status() string {
	if s.InGame() {
		return "playing"
	}
	return s.PersonaState.String()
}

func (s Snapshot) clone() Snapshot {
	cp := s
	if s.Achievements != nil {
		cp.Achievements = make(map[string]time.Time, len(s.Achievements))
		for k, v := range s.Achievements {
			cp.Achievements[k] = v
		}
	}
	return cp
}

type EventKind string

const (
	KindOnline      EventKind = "online"
	KindOffline     EventKind = "offline"
	KindGameSwitch  EventKind = "game_switch"
	KindGameEnd     EventKind = "game_end"
	KindGameStart   EventKind = "game_start"
	KindAchievement EventKind = "achievement_unlocked"
)

func (k EventKind) IsAchievement() bool { return k == KindAchievement }

// AchievementInfo is optional enrichment attached before dispatch.
type AchievementInfo struct {
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	IconURL       string  `json:"icon_url,omitempty"`
	GlobalPercent float64 `json:"global_percent"`
	HasPercent    bool    `json:"has_percent"`
}

// Event is a classified transition. It carries everything needed to render a
// notification without going back to the source.
type Event struct {
	Kind        EventKind
	Identity    Identity
	PersonaName string

	OldPresence Presence
	NewPresence Presence
	OldGameID   uint64
	NewGameID   uint64
	OldGameName string
	NewGameName string

	// At is the observation time of the new snapshot; Since is the
	// observation time of the old one.
	At    time.Time
	Since time.Time

	// Session is the play time of the game that ended (game_end, game_switch).
	Session time.Duration
	// Playtime is the lifetime play time of the started game, zero when
	// unknown (game_start only).
	Playtime time.Duration

	AchievementID string
	UnlockedAt    time.Time
	Achievement   *AchievementInfo
}

// GameID returns the game the event is about.
func (e Event) GameID() uint64 {
	if e.NewGameID != 0 {
		return e.NewGameID
	}
	return e.OldGameID
}

// GameName returns the display name of the game the event is about.
func (e Event) GameName() string {
	if e.NewGameID != 0 {
		return e.NewGameName
	}
	return e.OldGameName
}
