package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"steamwatch/internal/fault"
	"steamwatch/internal/presence"
	"steamwatch/internal/schedule"
	"steamwatch/internal/tracker"
	kit "steamwatch/internal/transport"

	"github.com/jonboulle/clockwork"
)

// Tracker is the registry and inspection API the commands drive.
type Tracker interface {
	Subscribe(ctx context.Context, group string, id presence.Identity) (presence.Subscription, bool, error)
	Unsubscribe(ctx context.Context, group string, id presence.Identity) error
	SetEnabled(ctx context.Context, group string, id presence.Identity, on bool) error
	SetAchievementPush(ctx context.Context, group string, id presence.Identity, on bool) error
	Link(ctx context.Context, group string, id presence.Identity, linked string) error
	Unlink(ctx context.Context, group string, id presence.Identity, linked string) error
	SetGroupAchievementPush(ctx context.Context, group string, on bool) error
	Forget(ctx context.Context) ([]presence.Identity, error)
	Status(group string) []tracker.StatusLine
	Schedule() []schedule.Entry
	PollNow(id presence.Identity) error
}

var errUsage = errors.New("bad arguments")

// Handlers builds the steamwatch command set.
type Handlers struct {
	tr    Tracker
	clock clockwork.Clock
}

func NewHandlers(tr Tracker, clock clockwork.Clock) *Handlers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handlers{tr: tr, clock: clock}
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Route: "track", Aliases: []string{"add"}, Description: "track a steam account in this group", Usage: "/track <steamid> [--group <id>]", Access: AccessOwnerOnly, Handle: h.track},
		{Route: "untrack", Aliases: []string{"remove"}, Description: "stop tracking in this group", Usage: "/untrack <steamid> [--group <id>]", Access: AccessOwnerOnly, Handle: h.untrack},
		{Route: "enable", Description: "resume notifications", Usage: "/enable <steamid> [--group <id>]", Access: AccessOwnerOnly, Handle: h.setEnabled(true)},
		{Route: "disable", Description: "pause notifications", Usage: "/disable <steamid> [--group <id>]", Access: AccessOwnerOnly, Handle: h.setEnabled(false)},
		{Route: "achievements", Description: "toggle achievement notifications", Usage: "/achievements <steamid> on|off [--group <id>]", Access: AccessOwnerOnly, Handle: h.achievements},
		{Route: "achievements group", Description: "default achievement toggle for linked pushes", Usage: "/achievements group on|off [--group <id>]", Access: AccessOwnerOnly, Handle: h.groupAchievements},
		{Route: "link", Description: "also push an account's notifications to another group", Usage: "/link <steamid> <group> [--group <id>]", Access: AccessOwnerOnly, Handle: h.link(true)},
		{Route: "unlink", Description: "remove a linked push group", Usage: "/unlink <steamid> <group> [--group <id>]", Access: AccessOwnerOnly, Handle: h.link(false)},
		{Route: "list", Aliases: []string{"status"}, Description: "tracked accounts and their status", Usage: "/list [--all] [--group <id>]", Access: AccessEveryone, Handle: h.list},
		{Route: "schedule", Description: "poll schedule", Usage: "/schedule", Access: AccessOwnerOnly, Handle: h.schedule},
		{Route: "poll", Description: "poll an account now", Usage: "/poll <steamid>", Access: AccessOwnerOnly, Handle: h.poll},
		{Route: "forget", Description: "delete state of accounts nobody tracks", Usage: "/forget", Access: AccessOwnerOnly, Timeout: time.Minute, Handle: h.forget},
	}
}

// target resolves the group a command acts on: --group overrides the chat.
func target(req *Request) (string, error) {
	raw, ok := req.Flags["group"]
	if !ok {
		return req.Group, nil
	}
	g, err := kit.NormalizeGroup(raw)
	if err != nil {
		return "", fault.New(fault.Invalid, "router.group", err).WithGroup(raw)
	}
	return g, nil
}

func identityArg(req *Request, group string, i int) (presence.Identity, error) {
	if len(req.Args) <= i {
		return 0, fault.New(fault.Invalid, req.Command, fmt.Errorf("%w, usage: %s", errUsage, usageOf(req))).WithGroup(group)
	}
	id, err := presence.ParseIdentity(req.Args[i])
	if err != nil {
		return 0, fault.New(fault.Invalid, req.Command, err).WithGroup(group)
	}
	return id, nil
}

func usageOf(req *Request) string {
	return "/" + req.Command + " …, see /help " + req.Command
}

func (h *Handlers) track(ctx context.Context, req *Request) error {
	group, err := target(req)
	if err != nil {
		return err
	}
	id, err := identityArg(req, group, 0)
	if err != nil {
		return err
	}
	_, created, err := h.tr.Subscribe(ctx, group, id)
	if err != nil {
		return err
	}
	if !created {
		return req.Reply(ctx, fmt.Sprintf("%s is already tracked in %s", id, group))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ tracking %s in %s", id, group))
}

func (h *Handlers) untrack(ctx context.Context, req *Request) error {
	group, err := target(req)
	if err != nil {
		return err
	}
	id, err := identityArg(req, group, 0)
	if err != nil {
		return err
	}
	if err := h.tr.Unsubscribe(ctx, group, id); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 stopped tracking %s in %s", id, group))
}

func (h *Handlers) setEnabled(on bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		group, err := target(req)
		if err != nil {
			return err
		}
		id, err := identityArg(req, group, 0)
		if err != nil {
			return err
		}
		if err := h.tr.SetEnabled(ctx, group, id, on); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("%s notifications for %s in %s", onOff(on, "enabled", "disabled"), id, group))
	}
}

func (h *Handlers) achievements(ctx context.Context, req *Request) error {
	group, err := target(req)
	if err != nil {
		return err
	}
	id, err := identityArg(req, group, 0)
	if err != nil {
		return err
	}
	on, ok := switchArg(req, 1)
	if !ok {
		return fault.New(fault.Invalid, req.Command, errUsage).WithIdentity(uint64(id)).WithGroup(group)
	}
	if err := h.tr.SetAchievementPush(ctx, group, id, on); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🏆 achievement notifications %s for %s in %s", onOff(on, "on", "off"), id, group))
}

func (h *Handlers) groupAchievements(ctx context.Context, req *Request) error {
	group, err := target(req)
	if err != nil {
		return err
	}
	on, ok := switchArg(req, 0)
	if !ok {
		return fault.New(fault.Invalid, req.Command, errUsage).WithGroup(group)
	}
	if err := h.tr.SetGroupAchievementPush(ctx, group, on); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🏆 linked achievement notifications %s in %s", onOff(on, "on", "off"), group))
}

func (h *Handlers) link(add bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		group, err := target(req)
		if err != nil {
			return err
		}
		id, err := identityArg(req, group, 0)
		if err != nil {
			return err
		}
		if len(req.Args) < 2 {
			return fault.New(fault.Invalid, req.Command, errUsage).WithIdentity(uint64(id)).WithGroup(group)
		}
		linked, err := kit.NormalizeGroup(req.Args[1])
		if err != nil {
			return fault.New(fault.Invalid, req.Command, err).WithIdentity(uint64(id)).WithGroup(req.Args[1])
		}
		if add {
			err = h.tr.Link(ctx, group, id, linked)
		} else {
			err = h.tr.Unlink(ctx, group, id, linked)
		}
		if err != nil {
			return err
		}
		if add {
			return req.Reply(ctx, fmt.Sprintf("🔗 %s notifications from %s now also go to %s", id, group, linked))
		}
		return req.Reply(ctx, fmt.Sprintf("unlinked %s from %s for %s", linked, group, id))
	}
}

func (h *Handlers) list(ctx context.Context, req *Request) error {
	group, err := target(req)
	if err != nil {
		return err
	}
	if req.BoolFlags["all"] {
		group = ""
	}
	lines := h.tr.Status(group)
	if len(lines) == 0 {
		return req.Reply(ctx, "nothing tracked here yet, use /track <steamid>")
	}
	return req.Reply(ctx, FormatStatus(lines, group == ""))
}

// FormatStatus renders one line per subscription.
func FormatStatus(lines []tracker.StatusLine, withGroup bool) string {
	var b strings.Builder
	b.WriteString("👥 Tracked accounts\n")
	for _, l := range lines {
		sub := l.Subscription
		name := sub.Identity.String()
		status := "unknown"
		if l.Snapshot != nil {
			if l.Snapshot.PersonaName != "" {
				name = l.Snapshot.PersonaName + " (" + sub.Identity.String() + ")"
			}
			status = statusLabel(*l.Snapshot)
		}
		b.WriteString("• ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(status)
		var flags []string
		if !sub.Enabled {
			flags = append(flags, "paused")
		}
		if !sub.AchievementPush {
			flags = append(flags, "no achievements")
		}
		if len(sub.Linked) > 0 {
			flags = append(flags, "linked "+strings.Join(sub.Linked, ","))
		}
		if withGroup {
			flags = append(flags, sub.Group)
		}
		if len(flags) > 0 {
			b.WriteString(" [" + strings.Join(flags, "; ") + "]")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusLabel(s presence.Snapshot) string {
	if s.InGame() {
		if s.GameName != "" {
			return "🎮 playing " + s.GameName
		}
		return fmt.Sprintf("🎮 playing app %d", s.GameID)
	}
	switch s.PersonaState {
	case presence.PersonaOffline:
		return "⚫ offline"
	case presence.PersonaOnline:
		return "🟢 online"
	default:
		return "🟡 " + s.Status()
	}
}

func (h *Handlers) schedule(ctx context.Context, req *Request) error {
	entries := h.tr.Schedule()
	if len(entries) == 0 {
		return req.Reply(ctx, "schedule is empty")
	}
	return req.Reply(ctx, FormatSchedule(entries, h.clock.Now()))
}

// FormatSchedule renders schedule entries relative to now.
func FormatSchedule(entries []schedule.Entry, now time.Time) string {
	var b strings.Builder
	b.WriteString("⏱ Poll schedule\n")
	for _, e := range entries {
		in := e.NextPollAt.Sub(now).Round(time.Second)
		if in < 0 {
			in = 0
		}
		fmt.Fprintf(&b, "• %s: %s, next in %s", e.Identity, e.State, in)
		if e.Interval > 0 {
			fmt.Fprintf(&b, ", every %s", e.Interval)
		}
		if e.Failures > 0 {
			fmt.Fprintf(&b, ", %d failures", e.Failures)
		}
		if e.Degraded {
			b.WriteString(", degraded")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handlers) poll(ctx context.Context, req *Request) error {
	id, err := identityArg(req, "", 0)
	if err != nil {
		return err
	}
	if err := h.tr.PollNow(id); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🔄 polling %s now", id))
}

func (h *Handlers) forget(ctx context.Context, req *Request) error {
	gone, err := h.tr.Forget(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🧹 forgot %d account(s)", len(gone)))
}

func switchArg(req *Request, i int) (bool, bool) {
	if len(req.Args) <= i {
		return false, false
	}
	return parseSwitch(req.Args[i])
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}
