// Package ratelimit enforces per-domain request budgets for all fetch
// operations. It combines a strict rolling-window check (the hard
// guarantee: never more than N grants in any window of length W) with
// a token bucket that smooths grants evenly across the window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/harvest-cli/internal/core/ports/driven"
	"github.com/custodia-labs/harvest-cli/internal/logger"
)

// Default configuration values.
const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second

	// MinLimit is the floor the effective rate can back off to.
	MinLimit = 1
)

// Ensure Limiter implements the port.
var _ driven.RateLimiter = (*Limiter)(nil)

// Config holds limiter configuration.
type Config struct {
	// Limit is the maximum grants per rolling window, per domain.
	Limit int

	// Window is the rolling window length.
	Window time.Duration

	// Cooldown is how long a domain must go without a 429 before its
	// effective rate recovers by one (additive). Defaults to Window.
	Cooldown time.Duration
}

// Limiter grants request slots per domain.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	domains map[string]*domainState
}

// domainState tracks one domain's budget. The waiter queue makes
// grants FIFO: only the queue head arbitrates against the window.
type domainState struct {
	mu       sync.Mutex
	queue    []chan struct{}
	grants   []time.Time
	effLimit int
	last429  time.Time
	lastGrow time.Time
	bucket   *rate.Limiter
}

// New creates a limiter. Zero config fields take the defaults.
func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.Window
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		domains: make(map[string]*domainState),
	}
}

// Acquire blocks until a slot is available for the domain.
// Grants are FIFO within a domain; a caller whose context is cancelled
// while waiting leaves the queue without consuming a slot.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	st := l.state(domain)

	turn := st.join()
	select {
	case <-ctx.Done():
		st.leave(turn)
		return ctx.Err()
	case <-turn:
	}
	defer st.leave(turn)

	// Head of the queue: smooth first, then enforce the window.
	if err := st.bucket.Wait(ctx); err != nil {
		return err
	}

	for {
		st.mu.Lock()
		l.maybeRecover(st)
		st.prune(l.now().Add(-l.cfg.Window))
		if len(st.grants) < st.effLimit {
			st.grants = append(st.grants, l.now())
			st.mu.Unlock()
			return nil
		}
		// Window full: the slot opens when the grant blocking us
		// leaves the window.
		opens := st.grants[len(st.grants)-st.effLimit].Add(l.cfg.Window)
		st.mu.Unlock()

		wait := opens.Sub(l.now())
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Report429 shrinks the domain's effective rate after source-side
// throttling: multiplicative back-off, halving down to MinLimit.
func (l *Limiter) Report429(domain string) {
	st := l.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.last429 = l.now()
	if st.effLimit > MinLimit {
		st.effLimit /= 2
		if st.effLimit < MinLimit {
			st.effLimit = MinLimit
		}
		st.bucket.SetLimit(rate.Every(l.cfg.Window / time.Duration(st.effLimit)))
		logger.Warn("rate limiter: %s backed off to %d req/%s", domain, st.effLimit, l.cfg.Window)
	}
}

// Utilization returns grants issued to the domain in its current window.
func (l *Limiter) Utilization(domain string) int {
	st := l.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(l.now().Add(-l.cfg.Window))
	return len(st.grants)
}

// EffectiveLimit returns the domain's current grant budget per window.
func (l *Limiter) EffectiveLimit(domain string) int {
	st := l.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.effLimit
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{
			effLimit: l.cfg.Limit,
			bucket:   rate.NewLimiter(rate.Every(l.cfg.Window/time.Duration(l.cfg.Limit)), 1),
		}
		l.domains[domain] = st
	}
	return st
}

// maybeRecover grows the effective limit by one per cooldown with no
// further 429s (additive recovery). Caller holds st.mu.
func (l *Limiter) maybeRecover(st *domainState) {
	if st.effLimit >= l.cfg.Limit {
		return
	}
	now := l.now()
	if now.Sub(st.last429) < l.cfg.Cooldown {
		return
	}
	if now.Sub(st.lastGrow) < l.cfg.Cooldown {
		return
	}
	st.effLimit++
	st.lastGrow = now
	st.bucket.SetLimit(rate.Every(l.cfg.Window / time.Duration(st.effLimit)))
}

// prune drops grants older than the window start. Caller holds st.mu.
func (st *domainState) prune(windowStart time.Time) {
	i := 0
	for i < len(st.grants) && !st.grants[i].After(windowStart) {
		i++
	}
	if i > 0 {
		st.grants = append(st.grants[:0], st.grants[i:]...)
	}
}

// join appends the caller to the domain's FIFO queue and returns a
// channel closed when it is the caller's turn.
func (st *domainState) join() chan struct{} {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan struct{})
	st.queue = append(st.queue, ch)
	if len(st.queue) == 1 {
		close(ch)
	}
	return ch
}

// leave removes the caller from the queue and, if it was at the head,
// hands the turn to the next waiter.
func (st *domainState) leave(ch chan struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i, waiter := range st.queue {
		if waiter == ch {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			if i == 0 && len(st.queue) > 0 {
				close(st.queue[0])
			}
			return
		}
	}
}
