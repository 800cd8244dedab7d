package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"steamwatch/internal/fault"
	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	rtsup "steamwatch/internal/runtime/supervisor"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
)

// Poller runs one poll cycle for an identity. at is the attempt time the
// scheduler bases the failure backoff on.
type Poller interface {
	Poll(ctx context.Context, id presence.Identity, at time.Time) (presence.Snapshot, error)
}

type PollerFunc func(ctx context.Context, id presence.Identity, at time.Time) (presence.Snapshot, error)

func (f PollerFunc) Poll(ctx context.Context, id presence.Identity, at time.Time) (presence.Snapshot, error) {
	return f(ctx, id, at)
}

type Config struct {
	Policy        Policy
	MaxInFlight   int
	PollTimeout   time.Duration
	ShutdownGrace time.Duration
}

// State is the per-entry state machine: idle -> due -> in-flight -> idle.
type State uint8

const (
	Idle State = iota
	Due
	InFlight
)

func (s State) String() string {
	switch s {
	case Due:
		return "due"
	case InFlight:
		return "in-flight"
	default:
		return "idle"
	}
}

// Entry is a read-only view of one identity's schedule.
type Entry struct {
	Identity   presence.Identity
	NextPollAt time.Time
	Interval   time.Duration
	State      State
	Failures   int
	Degraded   bool
	LastPollAt time.Time
	LastErr    string
}

type entry struct {
	Entry
	// removed is set when Remove hits an in-flight entry; the entry is
	// dropped once the poll returns.
	removed bool
	// immediate requests a poll right after the in-flight one.
	immediate bool
}

const idleWait = time.Hour

// Service owns the polling loop. Each identity is scheduled from its own
// history only; a bounded pool caps concurrent polls and excess due entries
// wait for a slot.
type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	clock  clockwork.Clock
	poller Poller

	entries  map[presence.Identity]*entry
	inFlight int
	wake     chan struct{}

	sup        *rtsup.Supervisor
	pollCancel context.CancelFunc
	pollCtx    context.Context
	stopDone   chan struct{}
}

func New(cfg Config, poller Poller, clock clockwork.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		log:     log,
		clock:   clock,
		poller:  poller,
		entries: map[presence.Identity]*entry{},
		wake:    make(chan struct{}, 1),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
	s.signal()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Policy.Validate() != nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	s.cfg = cfg
}

func (s *Service) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Policy
}

// Supervisor returns the loop supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}

	// Polls get their own context so shutdown can grant them a grace period
	// after the loop itself is gone.
	s.pollCtx, s.pollCancel = context.WithCancel(context.Background())
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "schedule"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("schedule.loop", s.loop, rtsup.WithPublishFirstError(true))
}

// Stop halts the loop, waits up to ShutdownGrace for in-flight polls, then
// cancels them. It returns early (forcing cancellation) if ctx ends first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	grace := s.cfg.ShutdownGrace
	cancelPolls := s.pollCancel
	s.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		gctx, cancel := context.WithTimeout(context.Background(), grace)
		_ = sup.Wait(gctx)
		if gctx.Err() != nil {
			s.log.Warn("in-flight polls exceeded shutdown grace, cancelling", logx.Duration("grace", grace))
			cancelPolls()
			_ = sup.Wait(context.Background())
		}
		cancel()
		cancelPolls()

		s.mu.Lock()
		s.sup = nil
		s.pollCancel = nil
		s.pollCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancelPolls()
	}
}

// Add schedules id for an immediate first poll. It reports false when id was
// already tracked; the existing entry keeps its schedule.
func (s *Service) Add(id presence.Identity) bool {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		if !e.removed {
			s.mu.Unlock()
			return false
		}
		e.removed = false
		e.immediate = true
		s.mu.Unlock()
		return true
	}
	s.entries[id] = &entry{Entry: Entry{Identity: id, NextPollAt: s.clock.Now()}}
	s.gaugesLocked()
	s.mu.Unlock()
	s.signal()
	return true
}

// Remove drops the entry. An in-flight poll finishes but is not rescheduled.
func (s *Service) Remove(id presence.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.removed {
		return false
	}
	if e.State == InFlight {
		e.removed = true
		e.immediate = false
	} else {
		delete(s.entries, id)
	}
	s.gaugesLocked()
	return true
}

// Trigger moves an entry's next poll to now.
func (s *Service) Trigger(id presence.Identity) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.removed {
		s.mu.Unlock()
		return false
	}
	if e.State == InFlight {
		e.immediate = true
	} else {
		e.NextPollAt = s.clock.Now()
	}
	s.mu.Unlock()
	s.signal()
	return true
}

// Restore rebuilds entries from persisted state. Entries already in flight
// are left alone.
func (s *Service) Restore(items []Resume) {
	s.mu.Lock()
	now := s.clock.Now()
	pol := s.cfg.Policy
	for _, r := range items {
		if e, ok := s.entries[r.Identity]; ok && e.State == InFlight {
			continue
		}
		next, interval := pol.Next(r, now)
		e := &entry{Entry: Entry{
			Identity:   r.Identity,
			NextPollAt: next,
			Interval:   interval,
			Failures:   r.Failures,
			Degraded:   r.Degraded,
			LastPollAt: r.LastAttemptAt,
		}}
		s.entries[r.Identity] = e
	}
	s.gaugesLocked()
	s.mu.Unlock()
	s.signal()
}

func (s *Service) Get(id presence.Identity) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.removed {
		return Entry{}, false
	}
	return e.Entry, true
}

// Entries returns all live entries ordered by next poll time, then identity.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.removed {
			continue
		}
		out = append(out, e.Entry)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextPollAt.Equal(out[j].NextPollAt) {
			return out[i].NextPollAt.Before(out[j].NextPollAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	timer := s.clock.NewTimer(idleWait)
	defer timer.Stop()
	for {
		wait := s.launchDue()
		if !timer.Stop() {
			select {
			case <-timer.Chan():
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
		case <-s.wake:
		}
	}
}

// launchDue marks due entries, starts as many as the pool allows and returns
// how long to sleep until the next idle entry becomes due.
func (s *Service) launchDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var (
		due  []*entry
		next time.Time
	)
	for _, e := range s.entries {
		if e.removed || e.State == InFlight {
			continue
		}
		if e.State == Idle {
			if e.NextPollAt.After(now) {
				if next.IsZero() || e.NextPollAt.Before(next) {
					next = e.NextPollAt
				}
				continue
			}
			e.State = Due
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextPollAt.Equal(due[j].NextPollAt) {
			return due[i].NextPollAt.Before(due[j].NextPollAt)
		}
		return due[i].Identity < due[j].Identity
	})
	for _, e := range due {
		if s.inFlight >= s.cfg.MaxInFlight || s.sup == nil {
			break
		}
		s.startLocked(e, now)
	}

	if next.IsZero() {
		return idleWait
	}
	return next.Sub(now)
}

func (s *Service) startLocked(e *entry, at time.Time) {
	e.State = InFlight
	s.inFlight++
	metrics.PollsInFlight.Set(float64(s.inFlight))

	id := e.Identity
	pctx := s.pollCtx
	timeout := s.cfg.PollTimeout
	s.sup.Go0("schedule.poll", func(context.Context) {
		s.runPoll(pctx, e, id, at, timeout)
	})
}

func (s *Service) runPoll(ctx context.Context, e *entry, id presence.Identity, at time.Time, timeout time.Duration) {
	var (
		snap presence.Snapshot
		err  error
	)
	started := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("poll panic: %v", r)
			}
		}()
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		snap, err = s.poller.Poll(pctx, id, at)
	}()
	metrics.PollDuration.Observe(time.Since(started).Seconds())
	metrics.PollsTotal.WithLabelValues(resultLabel(err)).Inc()
	s.complete(e, at, snap, err)
}

// complete applies a poll result. The whole entry update happens under one
// lock so no partial entry is ever observable.
func (s *Service) complete(e *entry, at time.Time, snap presence.Snapshot, err error) {
	s.mu.Lock()
	s.inFlight--
	metrics.PollsInFlight.Set(float64(s.inFlight))

	if e.removed {
		if cur, ok := s.entries[e.Identity]; ok && cur == e {
			delete(s.entries, e.Identity)
		}
		s.gaugesLocked()
		s.mu.Unlock()
		s.signal()
		return
	}

	now := s.clock.Now()
	pol := s.cfg.Policy
	e.LastPollAt = at
	if err == nil {
		base := snap.FetchedAt
		if base.IsZero() {
			base = at
		}
		e.Interval = pol.Interval(snap, base)
		e.NextPollAt = base.Add(e.Interval)
		e.Failures = 0
		e.Degraded = false
		e.LastErr = ""
	} else {
		e.Failures++
		e.Interval = pol.Failure
		e.NextPollAt = at.Add(pol.Failure)
		if fault.KindOf(err) == fault.UnknownIdentity {
			e.Degraded = true
		}
		e.LastErr = err.Error()
	}
	if e.immediate || e.NextPollAt.Before(now) {
		e.NextPollAt = now
	}
	e.immediate = false
	e.State = Idle
	entry := e.Entry
	s.gaugesLocked()
	s.mu.Unlock()

	if err != nil {
		// Recurring diagnostic; the loop keeps going at the degraded interval.
		s.log.Warn("poll failed",
			logx.Identity("identity", uint64(entry.Identity)),
			logx.String("kind", string(fault.KindOf(err))),
			logx.Int("failures", entry.Failures),
			logx.Bool("degraded", entry.Degraded),
			logx.Time("next", entry.NextPollAt),
			logx.Err(err),
		)
	} else {
		s.log.Debug("poll done",
			logx.Identity("identity", uint64(entry.Identity)),
			logx.Duration("interval", entry.Interval),
			logx.Time("next", entry.NextPollAt),
		)
	}
	s.signal()
}

func (s *Service) gaugesLocked() {
	live, degraded := 0, 0
	for _, e := range s.entries {
		if e.removed {
			continue
		}
		live++
		if e.Degraded {
			degraded++
		}
	}
	metrics.TrackedIdentities.Set(float64(live))
	metrics.DegradedIdentities.Set(float64(degraded))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch fault.KindOf(err) {
	case fault.SourceUnavailable:
		return "source_unavailable"
	case fault.UnknownIdentity:
		return "unknown_identity"
	case fault.PersistenceFailure:
		return "persistence_failure"
	default:
		return "error"
	}
}
