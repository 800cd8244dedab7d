package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"steamwatch/internal/eventbus"
	"steamwatch/internal/fault"
	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	rtsup "steamwatch/internal/runtime/supervisor"
	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("dispatch lane full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// DedupStore persists the notification record window. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type job struct {
	id    string
	ev    presence.Event
	group string
	key   string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service fans events out to their target groups:
// resolve + dedup + sharded FIFO lanes + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	out      transport.Deliverer
	reg      Registry
	bus      eventbus.Bus
	store    DedupStore
	renderer Renderer
	clock    clockwork.Clock

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	lanes    []chan job
	queued   atomic.Int64
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite
}

func New(cfg Config, out transport.Deliverer, reg Registry, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		out:   out,
		reg:   reg,
		bus:   bus,
		store: store,
		clock: clockwork.NewRealClock(),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// SetRenderer installs an optional card renderer. Nil means text only.
func (s *Service) SetRenderer(r Renderer) {
	s.mu.Lock()
	s.renderer = r
	s.mu.Unlock()
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply hot-reloads knobs. The lane count only changes on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	if cfg.LaneQueue <= 0 {
		cfg.LaneQueue = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 5 * time.Second
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 6 * time.Hour
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	if cfg.FingerprintBucket <= 0 {
		cfg.FingerprintBucket = time.Minute
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
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
	if s.lanes != nil {
		s.mu.Unlock()
		return
	}

	s.lanes = make([]chan job, s.cfg.Lanes)
	for i := range s.lanes {
		s.lanes[i] = make(chan job, s.cfg.LaneQueue)
	}
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	lanes := s.lanes
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "dispatch persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i, q := range lanes {
		q := q
		sup.GoRestart(fmt.Sprintf("lane.%d", i), func(c context.Context) error {
			s.laneLoop(c, q)
			return s.exitErr(c, "dispatch lane exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitErr maps a loop return to what GoRestart should see: clean exits only
// happen on shutdown.
func (s *Service) exitErr(c context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop stops intake and drains the lanes best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	lanes := s.lanes
	pch := s.persistCh
	sup := s.sup
	if lanes == nil {
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
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the lanes so workers drain.
		s.sendWG.Wait()
		// Only Dispatch feeds the persist channel, so it can close now too.
		if pch != nil {
			close(pch)
		}
		for _, q := range lanes {
			close(q)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.lanes = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch fans events out in order. Each (group, fingerprint) pair is handed
// to the delivery channel at most once per dedup window. Delivery is async;
// the returned error only reports jobs that could not be queued.
func (s *Service) Dispatch(ctx context.Context, events ...presence.Event) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	} else {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.accepting || s.lanes == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	lanes := s.lanes
	cfg := s.cfg
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var errs []error
	for _, ev := range events {
		metrics.EventsDetected.WithLabelValues(string(ev.Kind)).Inc()
		fp := presence.Fingerprint(ev, cfg.FingerprintBucket)
		targets := ResolveTargets(s.reg, ev)
		if len(targets) == 0 {
			s.log.Debug("no targets for event", logx.Identity("identity", uint64(ev.Identity)), logx.String("kind", string(ev.Kind)))
			continue
		}
		for _, group := range targets {
			key := group + "|" + fp
			j := job{id: uuid.NewString(), ev: ev, group: group, key: key}
			channel := transport.ChannelOf(group)

			if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup, st, pch) {
				metrics.DeliveriesTotal.WithLabelValues(channel, "deduped").Inc()
				s.publish(EventDeduped, j, 0, nil)
				continue
			}

			q := lanes[laneFor(group, ev.Identity, len(lanes))]
			select {
			case q <- j:
				metrics.DispatchQueueDepth.Set(float64(s.queued.Add(1)))
				s.publish(EventQueued, j, 0, nil)
			default:
				// Not delivered, so it must not stay suppressed.
				s.dedupForget(key)
				metrics.DeliveriesTotal.WithLabelValues(channel, "dropped").Inc()
				s.publish(EventDropped, j, 0, ErrQueueFull)
				s.log.Warn("dispatch lane full, dropping notification",
					logx.String("group", group),
					logx.Identity("identity", uint64(ev.Identity)),
					logx.String("kind", string(ev.Kind)),
				)
				errs = append(errs, fmt.Errorf("%w: group=%s", ErrQueueFull, group))
			}
		}
	}
	return errors.Join(errs...)
}

func laneFor(group string, id presence.Identity, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(group))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(id.String()))
	return int(h.Sum64() % uint64(n))
}

func (s *Service) publish(typ string, j job, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := s.clock.Now()
	ev := DeliveryEvent{
		ID:       j.id,
		Group:    j.group,
		Identity: uint64(j.ev.Identity),
		Kind:     string(j.ev.Kind),
		Key:      j.key,
		At:       now,
		Attempts: attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				metrics.StorageErrors.WithLabelValues("put_dedup").Inc()
			}
			cancel()
		}
	}
}

func (s *Service) message(ctx context.Context, j job, r Renderer, timeout time.Duration) transport.Message {
	msg := transport.Message{Text: Text(j.ev)}
	if r == nil {
		return msg
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	card, err := func() (c *transport.Card, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("render panic: %v", p)
			}
		}()
		return r.Render(rctx, j.ev)
	}()
	if err != nil {
		s.log.Debug("render failed, sending text", logx.String("kind", string(j.ev.Kind)), logx.Err(err))
		return msg
	}
	msg.Card = card
	return msg
}

// pending is one job between attempts. msg is rendered once.
type pending struct {
	j        job
	msg      transport.Message
	rendered bool
	attempts int
}

// lane is the state owned by one lane goroutine. A pair with a retry
// outstanding holds its later jobs in backlog so per-pair order survives
// while other pairs on the lane keep flowing.
type lane struct {
	retry   chan *pending
	backlog map[string][]job // pair -> jobs waiting behind a retry
	waiting int              // retries scheduled but not yet back
}

func pairKey(j job) string { return j.group + "|" + j.ev.Identity.String() }

func (s *Service) laneLoop(ctx context.Context, q <-chan job) {
	ln := &lane{retry: make(chan *pending, 16), backlog: map[string][]job{}}
	// A closed queue still drains the retries in flight.
	for q != nil || ln.waiting > 0 {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				q = nil
				continue
			}
			metrics.DispatchQueueDepth.Set(float64(s.queued.Add(-1)))
			if held, busy := ln.backlog[pairKey(j)]; busy {
				ln.backlog[pairKey(j)] = append(held, j)
				continue
			}
			s.runPair(ctx, ln, &pending{j: j})
		case p := <-ln.retry:
			ln.waiting--
			s.runPair(ctx, ln, p)
		}
	}
}

// runPair delivers p and then whatever queued up behind it, stopping at the
// first job that has to wait for a retry.
func (s *Service) runPair(ctx context.Context, ln *lane, p *pending) {
	key := pairKey(p.j)
	for p != nil {
		delay, again := s.attempt(ctx, p)
		if again {
			if _, busy := ln.backlog[key]; !busy {
				ln.backlog[key] = nil
			}
			ln.waiting++
			next := p
			s.clock.AfterFunc(delay, func() {
				select {
				case ln.retry <- next:
				case <-ctx.Done():
				}
			})
			return
		}
		held, busy := ln.backlog[key]
		switch {
		case !busy:
			return
		case len(held) == 0:
			delete(ln.backlog, key)
			return
		}
		p = &pending{j: held[0]}
		ln.backlog[key] = held[1:]
	}
}

// attempt runs delivery attempts for p until it is sent, out of attempts,
// or needs to wait. again reports a retry due after delay.
func (s *Service) attempt(ctx context.Context, p *pending) (delay time.Duration, again bool) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	out := s.out
	r := s.renderer
	s.mu.Unlock()

	if out == nil {
		return 0, false
	}
	j := p.j
	channel := transport.ChannelOf(j.group)
	if !p.rendered {
		p.msg, p.rendered = s.message(ctx, j, r, cfg.RenderTimeout), true
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for p.attempts < maxAttempts {
		p.attempts++
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		started := time.Now()
		err := out.Deliver(callCtx, j.group, p.msg)
		cancel()
		metrics.DeliveryDuration.WithLabelValues(channel).Observe(time.Since(started).Seconds())
		if err == nil {
			metrics.DeliveriesTotal.WithLabelValues(channel, "sent").Inc()
			s.publish(EventSent, j, p.attempts, nil)
			return 0, false
		}
		lastErr = err
		s.log.Debug("deliver failed", logx.String("group", j.group), logx.Int("attempt", p.attempts), logx.Int("max", maxAttempts), logx.Err(err))

		if p.attempts >= maxAttempts || ctx.Err() != nil {
			break
		}
		if d := retryDelay(cfg, p.attempts); d > 0 {
			return d, true
		}
	}

	ferr := fault.New(fault.DeliveryFailed, "dispatch.deliver", lastErr).
		WithIdentity(uint64(j.ev.Identity)).
		WithGroup(j.group)
	metrics.DeliveriesTotal.WithLabelValues(channel, "failed").Inc()
	s.publish(EventFailed, j, p.attempts, ferr)
	s.log.Warn("delivery failed",
		logx.String("id", j.id),
		logx.String("kind", string(j.ev.Kind)),
		logx.Int("attempts", p.attempts),
		logx.Err(ferr),
	)
	return 0, false
}

// dedupAllow checks and records the suppress window for key.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st DedupStore, pch chan dedupWrite) bool {
	now := s.clock.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	if cur, ok := s.dedup[key]; ok && now.Before(cur) {
		// Lost a race with a concurrent dispatch of the same key.
		s.dmu.Unlock()
		return false
	}
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) dedupForget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
