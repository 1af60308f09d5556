package admission

import (
	"sync"
	"time"
)

// BreakerState is a circuit breaker's current position.
type BreakerState string

// Breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Default breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultCoolOff          = 30 * time.Second
	DefaultHalfOpenProbes   = 3
)

// BreakerConfig configures per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive server-class failure count
	// that opens the breaker.
	FailureThreshold int

	// CoolOff is how long an open breaker rejects before probing.
	CoolOff time.Duration

	// HalfOpenProbes is both the number of probe requests admitted in
	// half-open state and the success count required to close.
	HalfOpenProbes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CoolOff <= 0 {
		c.CoolOff = DefaultCoolOff
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = DefaultHalfOpenProbes
	}
	return c
}

type breakerRecord struct {
	state               BreakerState
	consecutiveFailures int
	lastTransition      time.Time
	halfOpenSuccesses   int
	probesAdmitted      int
}

// StateChange notifies the registered observer of a breaker transition.
type StateChange struct {
	Endpoint string
	From     BreakerState
	To       BreakerState
}

// Breakers manages one circuit breaker per endpoint.
//
// Transitions:
//
//	closed    --K consecutive failures-->  open
//	open      --cool-off elapsed------->   half-open
//	half-open --M probe successes------>   closed
//	half-open --any failure------------>   open
type Breakers struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	records map[string]*breakerRecord

	// OnChange, when set, observes every state transition. Called with
	// the lock held; observers must not call back into Breakers.
	OnChange func(StateChange)

	now func() time.Time
}

// NewBreakers creates a breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*breakerRecord),
		now:     time.Now,
	}
}

// Allow reports whether a request to endpoint may proceed. A denied
// request carries the remaining cool-off as a retry hint.
func (b *Breakers) Allow(endpoint string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.record(endpoint)
	now := b.now()

	switch rec.state {
	case BreakerClosed:
		return true, 0

	case BreakerOpen:
		elapsed := now.Sub(rec.lastTransition)
		if elapsed >= b.cfg.CoolOff {
			b.transition(endpoint, rec, BreakerHalfOpen, now)
			rec.probesAdmitted = 1
			return true, 0
		}
		return false, b.cfg.CoolOff - elapsed

	default: // half-open
		if rec.probesAdmitted < b.cfg.HalfOpenProbes {
			rec.probesAdmitted++
			return true, 0
		}
		return false, b.cfg.CoolOff
	}
}

// RecordSuccess reports a successful call to endpoint.
func (b *Breakers) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.record(endpoint)
	switch rec.state {
	case BreakerClosed:
		rec.consecutiveFailures = 0
	case BreakerHalfOpen:
		rec.halfOpenSuccesses++
		if rec.halfOpenSuccesses >= b.cfg.HalfOpenProbes {
			b.transition(endpoint, rec, BreakerClosed, b.now())
		}
	}
}

// RecordFailure reports a server-class failure of a call to endpoint.
// Client-class failures (bad input, authorization) must not be recorded;
// they say nothing about endpoint health.
func (b *Breakers) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.record(endpoint)
	switch rec.state {
	case BreakerClosed:
		rec.consecutiveFailures++
		if rec.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(endpoint, rec, BreakerOpen, b.now())
		}
	case BreakerHalfOpen:
		// Any probe failure reopens.
		b.transition(endpoint, rec, BreakerOpen, b.now())
	}
}

// State returns the endpoint's current state.
func (b *Breakers) State(endpoint string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record(endpoint).state
}

func (b *Breakers) record(endpoint string) *breakerRecord {
	rec, ok := b.records[endpoint]
	if !ok {
		rec = &breakerRecord{state: BreakerClosed}
		b.records[endpoint] = rec
	}
	return rec
}

func (b *Breakers) transition(endpoint string, rec *breakerRecord, to BreakerState, now time.Time) {
	from := rec.state
	rec.state = to
	rec.lastTransition = now
	rec.consecutiveFailures = 0
	rec.halfOpenSuccesses = 0
	rec.probesAdmitted = 0

	if b.OnChange != nil {
		b.OnChange(StateChange{Endpoint: endpoint, From: from, To: to})
	}
}
