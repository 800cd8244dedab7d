package tracker

import (
	"context"
	"errors"
	"sort"

	"steamwatch/internal/fault"
	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	"steamwatch/internal/schedule"
	"steamwatch/internal/storage"
	logx "steamwatch/pkg/logx"
)

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrNotTracked    = errors.New("identity is not tracked")
	ErrSelfLink      = errors.New("cannot link a group to itself")
)

func invalid(op string, id presence.Identity, group string, err error) error {
	return fault.New(fault.Invalid, op, err).WithIdentity(uint64(id)).WithGroup(group)
}

func persistFailed(op, metric string, id presence.Identity, group string, err error) error {
	metrics.StorageErrors.WithLabelValues(metric).Inc()
	return fault.New(fault.PersistenceFailure, op, err).WithIdentity(uint64(id)).WithGroup(group)
}

// Subscribe adds (group, id) enabled with achievement push on. An existing
// subscription is returned unchanged with created=false.
func (t *Tracker) Subscribe(ctx context.Context, group string, id presence.Identity) (presence.Subscription, bool, error) {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	if cur, ok := t.subscription(group, id); ok {
		return cur, false, nil
	}
	sub := presence.Subscription{Group: group, Identity: id, Enabled: true, AchievementPush: true}
	if err := t.putSubscription(ctx, "tracker.subscribe", sub); err != nil {
		return presence.Subscription{}, false, err
	}
	return sub.Clone(), true, nil
}

// Unsubscribe removes (group, id). The identity's state stays until Forget.
func (t *Tracker) Unsubscribe(ctx context.Context, group string, id presence.Identity) error {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	if _, ok := t.subscription(group, id); !ok {
		return invalid("tracker.unsubscribe", id, group, ErrNotSubscribed)
	}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.DeleteSubscription(sctx, group, id); err != nil {
		return persistFailed("tracker.unsubscribe", "delete_subscription", id, group, err)
	}

	t.mu.Lock()
	if m := t.subs[id]; m != nil {
		delete(m, group)
		if len(m) == 0 {
			delete(t.subs, id)
		}
	}
	t.mu.Unlock()
	t.syncSchedule(id)
	t.publish(EventSubscriptionChanged, map[string]any{"identity": id.String(), "group": group, "action": "unsubscribe"})
	return nil
}

func (t *Tracker) SetEnabled(ctx context.Context, group string, id presence.Identity, on bool) error {
	return t.update(ctx, "tracker.set_enabled", group, id, func(s *presence.Subscription) { s.Enabled = on })
}

func (t *Tracker) SetAchievementPush(ctx context.Context, group string, id presence.Identity, on bool) error {
	return t.update(ctx, "tracker.set_achievement_push", group, id, func(s *presence.Subscription) { s.AchievementPush = on })
}

// Link makes linked receive group's notifications for id.
func (t *Tracker) Link(ctx context.Context, group string, id presence.Identity, linked string) error {
	if linked == group {
		return invalid("tracker.link", id, group, ErrSelfLink)
	}
	return t.update(ctx, "tracker.link", group, id, func(s *presence.Subscription) { *s = s.WithLink(linked) })
}

func (t *Tracker) Unlink(ctx context.Context, group string, id presence.Identity, linked string) error {
	return t.update(ctx, "tracker.unlink", group, id, func(s *presence.Subscription) { *s = s.WithoutLink(linked) })
}

// SetGroupAchievementPush sets the group default used when the group only
// receives an identity through a link.
func (t *Tracker) SetGroupAchievementPush(ctx context.Context, group string, on bool) error {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	p := presence.GroupPrefs{Group: group, AchievementPush: on}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.PutGroupPrefs(sctx, p); err != nil {
		return persistFailed("tracker.set_group_achievement_push", "put_group_prefs", 0, group, err)
	}
	t.mu.Lock()
	t.prefs[group] = p
	t.mu.Unlock()
	return nil
}

// Forget deletes the stored state of every identity left without any
// subscription and returns them in ascending order.
func (t *Tracker) Forget(ctx context.Context) ([]presence.Identity, error) {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	t.mu.RLock()
	var orphans []presence.Identity
	seen := map[presence.Identity]struct{}{}
	for id := range t.snaps {
		seen[id] = struct{}{}
	}
	for id := range t.meta {
		seen[id] = struct{}{}
	}
	for id := range seen {
		if len(t.subs[id]) == 0 {
			orphans = append(orphans, id)
		}
	}
	t.mu.RUnlock()
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })

	var done []presence.Identity
	for _, id := range orphans {
		if err := t.forgetOne(ctx, id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	if len(done) > 0 {
		t.log.Info("forgot identities", logx.Int("count", len(done)))
		t.publish(EventForgotten, map[string]any{"count": len(done)})
	}
	return done, nil
}

func (t *Tracker) forgetOne(ctx context.Context, id presence.Identity) error {
	// Wait for an in-flight poll so it cannot write the state back afterwards.
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.DeleteIdentity(sctx, id); err != nil {
		return persistFailed("tracker.forget", "delete_identity", id, "", err)
	}
	t.mu.Lock()
	delete(t.snaps, id)
	delete(t.meta, id)
	t.mu.Unlock()

	t.locksMu.Lock()
	delete(t.locks, id)
	t.locksMu.Unlock()
	return nil
}

// StatusLine pairs a subscription with the identity's last snapshot.
type StatusLine struct {
	Subscription presence.Subscription
	Snapshot     *presence.Snapshot
}

// Status lists the subscriptions of group, or of every group when group is
// empty, ordered by group then identity.
func (t *Tracker) Status(group string) []StatusLine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []StatusLine
	for id, m := range t.subs {
		for g, sub := range m {
			if group != "" && g != group {
				continue
			}
			line := StatusLine{Subscription: sub.Clone()}
			if s, ok := t.snaps[id]; ok {
				s := s
				line.Snapshot = &s
			}
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Subscription, out[j].Subscription
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Identity < b.Identity
	})
	return out
}

// Schedule returns the live schedule entries ordered by next poll time.
func (t *Tracker) Schedule() []schedule.Entry {
	t.mu.RLock()
	sched := t.sched
	t.mu.RUnlock()
	if sched == nil {
		return nil
	}
	return sched.Entries()
}

// PollNow asks the scheduler to poll id right away.
func (t *Tracker) PollNow(id presence.Identity) error {
	t.mu.RLock()
	sched := t.sched
	t.mu.RUnlock()
	if sched == nil || !sched.Trigger(id) {
		return invalid("tracker.poll_now", id, "", ErrNotTracked)
	}
	return nil
}

// Audit records an admin action. Failures are logged only.
func (t *Tracker) Audit(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = t.clock.Now()
	}
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.AppendAudit(sctx, e); err != nil {
		metrics.StorageErrors.WithLabelValues("append_audit").Inc()
		t.log.Warn("audit entry not persisted", logx.String("action", e.Action), logx.Err(err))
	}
}

func (t *Tracker) subscription(group string, id presence.Identity) (presence.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id][group]
	if !ok {
		return presence.Subscription{}, false
	}
	return s.Clone(), true
}

// update applies fn to an existing subscription and persists the result
// before the index sees it.
func (t *Tracker) update(ctx context.Context, op, group string, id presence.Identity, fn func(*presence.Subscription)) error {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	sub, ok := t.subscription(group, id)
	if !ok {
		return invalid(op, id, group, ErrNotSubscribed)
	}
	fn(&sub)
	return t.putSubscription(ctx, op, sub)
}

// putSubscription must be called with regMu held.
func (t *Tracker) putSubscription(ctx context.Context, op string, sub presence.Subscription) error {
	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	if err := t.store.UpsertSubscription(sctx, sub); err != nil {
		return persistFailed(op, "upsert_subscription", sub.Identity, sub.Group, err)
	}

	t.mu.Lock()
	m := t.subs[sub.Identity]
	if m == nil {
		m = map[string]presence.Subscription{}
		t.subs[sub.Identity] = m
	}
	m[sub.Group] = sub.Clone()
	t.mu.Unlock()

	t.syncSchedule(sub.Identity)
	t.publish(EventSubscriptionChanged, map[string]any{
		"identity": sub.Identity.String(),
		"group":    sub.Group,
		"action":   op,
		"enabled":  sub.Enabled,
	})
	return nil
}

// syncSchedule keeps a schedule entry exactly for identities with at least
// one enabled subscription.
func (t *Tracker) syncSchedule(id presence.Identity) {
	t.mu.RLock()
	n := t.enabledLocked(id)
	sched := t.sched
	t.mu.RUnlock()
	if sched == nil {
		return
	}
	if n > 0 {
		if sched.Add(id) {
			t.log.Debug("identity scheduled", logx.Identity("identity", uint64(id)))
		}
		return
	}
	if sched.Remove(id) {
		t.log.Debug("identity unscheduled", logx.Identity("identity", uint64(id)))
	}
}
