package crawler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const hostShards = 16

// Adaptive delay thresholds. Latency above the slow mark doubles the
// effective delay; latency below the fast mark with a clean recent record
// decays it back toward the seed.
const (
	emaAlpha       = 0.2
	slowLatencyMS  = 2000
	fastLatencyMS  = 500
	cleanStreakLen = 10
)

// hostState tracks everything the scheduler knows about one host. It is
// created on the first URL for the host and lives for the run only.
type hostState struct {
	limiter   *rate.Limiter
	seedDelay time.Duration
	effDelay  time.Duration

	lastFetch    time.Time
	emaLatencyMS float64
	emaPrimed    bool
	cleanStreak  int

	backoffTier  int
	backoffUntil time.Time

	inFlight int

	robots        *RobotsPolicy
	robotsFetched bool
}

type hostShard struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

// Scheduler owns per-host pacing state and the global connection budget.
// All ordering guarantees of the crawl reduce to decisions made here.
type Scheduler struct {
	shards [hostShards]*hostShard

	defaultDelay time.Duration
	minDelay     time.Duration
	maxDelay     time.Duration
	maxBackoff   time.Duration
	maxPerHost   int

	globalSlots chan struct{}
}

// NewScheduler creates a scheduler from the politeness options.
func NewScheduler(defaultDelay, minDelay, maxDelay, maxBackoff time.Duration, maxPerHost, maxTotal int) *Scheduler {
	s := &Scheduler{
		defaultDelay: defaultDelay,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		maxBackoff:   maxBackoff,
		maxPerHost:   maxPerHost,
		globalSlots:  make(chan struct{}, maxTotal),
	}
	for i := range s.shards {
		s.shards[i] = &hostShard{hosts: make(map[string]*hostState)}
	}
	return s
}

func (s *Scheduler) shardFor(host string) *hostShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return s.shards[h.Sum32()%hostShards]
}

// state returns the host's state, creating it under the shard lock.
// Callers must hold the shard lock for the duration of their access.
func (sh *hostShard) state(host string, seed time.Duration) *hostState {
	hs, ok := sh.hosts[host]
	if !ok {
		hs = &hostState{
			seedDelay: seed,
			effDelay:  seed,
			limiter:   rate.NewLimiter(limitFor(seed), 1),
		}
		sh.hosts[host] = hs
	}
	return hs
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// clamp bounds a delay to the configured [min, max] window.
func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.minDelay {
		d = s.minDelay
	}
	if d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}

// RobotsState returns the cached robots policy and whether robots.txt has
// been fetched for the host yet.
func (s *Scheduler) RobotsState(host string) (*RobotsPolicy, bool) {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs := sh.state(host, s.clamp(s.defaultDelay))
	return hs.robots, hs.robotsFetched
}

// SetRobots installs the robots policy for a host and reseeds the host's
// delay from its Crawl-delay when present.
func (s *Scheduler) SetRobots(host string, policy *RobotsPolicy) {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs := sh.state(host, s.clamp(s.defaultDelay))
	hs.robots = policy
	hs.robotsFetched = true
	if policy != nil && policy.HasDelay {
		hs.seedDelay = s.clamp(policy.CrawlDelay)
		hs.effDelay = hs.seedDelay
		hs.limiter.SetLimit(limitFor(hs.effDelay))
	}
}

// DueAt returns the earliest time the host may start its next request.
func (s *Scheduler) DueAt(host string, now time.Time) time.Time {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs := sh.state(host, s.clamp(s.defaultDelay))

	due := now
	if !hs.lastFetch.IsZero() {
		if paced := hs.lastFetch.Add(hs.effDelay); paced.After(due) {
			due = paced
		}
	}
	if hs.backoffUntil.After(due) {
		due = hs.backoffUntil
	}
	return due
}

// EffectiveDelay returns the host's current inter-request delay.
func (s *Scheduler) EffectiveDelay(host string) time.Duration {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state(host, s.clamp(s.defaultDelay)).effDelay
}

// BackoffTier returns the host's current Fibonacci tier.
func (s *Scheduler) BackoffTier(host string) int {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state(host, s.clamp(s.defaultDelay)).backoffTier
}

// TryAcquire claims one per-host slot and one global connection slot.
// It never blocks; on refusal the caller re-enqueues the entry with a
// slightly advanced due time.
func (s *Scheduler) TryAcquire(host string) bool {
	select {
	case s.globalSlots <- struct{}{}:
	default:
		return false
	}

	sh := s.shardFor(host)
	sh.mu.Lock()
	hs := sh.state(host, s.clamp(s.defaultDelay))
	if hs.inFlight >= s.maxPerHost {
		sh.mu.Unlock()
		<-s.globalSlots
		return false
	}
	hs.inFlight++
	sh.mu.Unlock()
	return true
}

// Release returns the slots taken by TryAcquire.
func (s *Scheduler) Release(host string) {
	sh := s.shardFor(host)
	sh.mu.Lock()
	hs := sh.state(host, s.clamp(s.defaultDelay))
	if hs.inFlight > 0 {
		hs.inFlight--
	}
	sh.mu.Unlock()
	<-s.globalSlots
}

// InFlight returns the host's current in-flight count.
func (s *Scheduler) InFlight(host string) int {
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state(host, s.clamp(s.defaultDelay)).inFlight
}

// WaitTurn blocks until the host's rate limiter grants the next request
// start. The limiter is re-armed at request completion, so the wait spans
// from the previous request's end, not its start.
func (s *Scheduler) WaitTurn(ctx context.Context, host string) error {
	sh := s.shardFor(host)
	sh.mu.Lock()
	lim := sh.state(host, s.clamp(s.defaultDelay)).limiter
	sh.mu.Unlock()
	return lim.Wait(ctx)
}

// ObserveSuccess records a completed request: updates the latency EMA,
// applies the adaptive delay rules, resets the backoff tier, and re-arms
// the pacing limiter from the completion instant.
func (s *Scheduler) ObserveSuccess(host string, latency time.Duration) {
	now := time.Now()
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs := sh.state(host, s.clamp(s.defaultDelay))

	hs.lastFetch = now
	hs.backoffTier = 0
	hs.backoffUntil = time.Time{}
	hs.cleanStreak++

	ms := float64(latency.Milliseconds())
	if !hs.emaPrimed {
		hs.emaLatencyMS = ms
		hs.emaPrimed = true
	} else {
		hs.emaLatencyMS = emaAlpha*ms + (1-emaAlpha)*hs.emaLatencyMS
	}

	switch {
	case hs.emaLatencyMS > slowLatencyMS:
		doubled := hs.effDelay * 2
		if doubled <= 0 {
			doubled = 100 * time.Millisecond
		}
		if doubled > s.maxDelay {
			doubled = s.maxDelay
		}
		hs.effDelay = doubled
	case hs.emaLatencyMS < fastLatencyMS && hs.cleanStreak >= cleanStreakLen:
		// Decay 10% toward the seed, never below it or the floor.
		decayed := hs.effDelay - (hs.effDelay-hs.seedDelay)/10
		if decayed < hs.seedDelay {
			decayed = hs.seedDelay
		}
		if decayed < s.minDelay {
			decayed = s.minDelay
		}
		hs.effDelay = decayed
	}
	hs.limiter.SetLimit(limitFor(hs.effDelay))

	// Consume the token that accrued while the request was in flight so
	// the next WaitTurn measures from completion.
	if hs.effDelay > 0 {
		_ = hs.limiter.ReserveN(now, 1)
	}
}

// ObserveFailure records a retryable failure: advances the Fibonacci tier
// and computes the backoff window. retryAfter, when positive, overrides
// the Fibonacci delay; the result is capped by max_retry_backoff_seconds.
// The returned duration is how long the host is off-limits.
func (s *Scheduler) ObserveFailure(host string, retryAfter time.Duration) time.Duration {
	now := time.Now()
	sh := s.shardFor(host)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs := sh.state(host, s.clamp(s.defaultDelay))

	hs.lastFetch = now
	hs.cleanStreak = 0
	hs.backoffTier++

	delay := fibonacciSeconds(hs.backoffTier)
	if retryAfter > 0 {
		delay = retryAfter
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	hs.backoffUntil = now.Add(delay)

	if hs.effDelay > 0 {
		_ = hs.limiter.ReserveN(now, 1)
	}
	return delay
}

// fibonacciSeconds returns fib(tier) seconds: 1, 1, 2, 3, 5, 8, ...
func fibonacciSeconds(tier int) time.Duration {
	if tier <= 0 {
		return 0
	}
	a, b := 1, 1
	for i := 3; i <= tier; i++ {
		a, b = b, a+b
	}
	return time.Duration(b) * time.Second
}
