package admission

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh-go/event"
	"github.com/flowmesh/flowmesh-go/value"
)

// Stable admission error codes.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeCircuitBreakerOpen = "CIRCUIT_BREAKER_OPEN"
	CodeCostLimitExceeded  = "COST_LIMIT_EXCEEDED"
	CodeAbuseDetected      = "ABUSE_DETECTED"
)

// Request describes one operation seeking admission.
type Request struct {
	// Tenant and SubIdentity identify the caller. Both empty means an
	// anonymous request keyed by SourceAddr.
	Tenant      string
	SubIdentity string
	SourceAddr  string

	// TenantSubnet scopes the request to an isolation subnet, when any.
	TenantSubnet string

	// Endpoint names the operation for circuit breaking.
	Endpoint string

	// Reputation is the caller's reputation multiplier from the
	// registry. Zero means unknown (treated as 1.0).
	Reputation float64

	// Cost is the operation's estimated resource cost.
	Cost Delta
}

// Budget is the remaining headroom attached to an allowed operation. The
// scheduler consumes it for backpressure decisions.
type Budget struct {
	// Requests left in the rate window for the governing key.
	Requests int

	// Invocations left this month (-1 when unlimited).
	Invocations int64
}

// Decision is the controller's verdict.
type Decision struct {
	// Allowed reports admission.
	Allowed bool

	// Code is the stable denial code; empty when allowed.
	Code string

	// RetryAfter advises when a denied caller may retry.
	RetryAfter time.Duration

	// Budget is populated for allowed operations.
	Budget Budget
}

// Options wires a Controller.
type Options struct {
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Cost      CostConfig

	// Bus receives admission.*, rate-limit.*, breaker.*, and cost.*
	// events. Optional.
	Bus *event.Bus

	// Logger receives diagnostics.
	Logger zerolog.Logger
}

// Controller composes the rate limiter, circuit breakers, and cost meter
// into the single admission gate run before the execution engine.
type Controller struct {
	limiter  *RateLimiter
	breakers *Breakers
	meter    *CostMeter

	bus    *event.Bus
	logger zerolog.Logger
}

// NewController creates the admission gate.
func NewController(opts Options) *Controller {
	c := &Controller{
		limiter: NewRateLimiter(opts.RateLimit),
		meter:   NewCostMeter(opts.Cost),
		bus:     opts.Bus,
		logger:  opts.Logger,
	}
	c.breakers = NewBreakers(opts.Breaker)
	c.breakers.OnChange = c.onBreakerChange
	return c
}

// Meter exposes the cost meter for tier assignment.
func (c *Controller) Meter() *CostMeter { return c.meter }

// Breakers exposes the breaker set so callers can record call outcomes.
func (c *Controller) Breakers() *Breakers { return c.breakers }

// Admit gates one operation. Gate order: circuit breaker, then rate
// limit, then cost. Denials carry a stable code and a retry-after hint
// and emit an admission.denied event; rate-limit denials also emit
// rate-limit.violated.
//
// Fail-open: if the admission subsystem itself faults, the request is
// allowed and the fault is logged.
func (c *Controller) Admit(ctx context.Context, req Request) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("admission subsystem fault; failing open")
			decision = Decision{Allowed: true}
		}
	}()

	// 1. Circuit breaker.
	if ok, retryAfter := c.breakers.Allow(req.Endpoint); !ok {
		return c.deny(ctx, req, CodeCircuitBreakerOpen, retryAfter, 0)
	}

	// 2. Rate limit.
	rate := c.limiter.Check(req.Tenant, req.SubIdentity, req.SourceAddr, req.TenantSubnet, req.Reputation)
	if !rate.Allowed {
		code := CodeRateLimitExceeded
		if rate.Abuse {
			code = CodeAbuseDetected
		}
		c.emitRateViolation(ctx, req, rate)
		return c.deny(ctx, req, code, rate.RetryAfter, rate.Violations)
	}

	// 3. Cost / quota.
	cost := c.meter.Charge(req.Tenant, req.Cost)
	if !cost.Allowed {
		return c.deny(ctx, req, CodeCostLimitExceeded, 0, 0)
	}
	if cost.SoftExceeded {
		c.emit(ctx, event.TypeCostAlert, map[string]value.Value{
			"tenant":   value.String(req.Tenant),
			"resource": value.String(cost.Resource),
		})
	}

	decision = Decision{
		Allowed: true,
		Budget: Budget{
			Requests:    rate.Remaining,
			Invocations: cost.Remaining,
		},
	}
	c.emit(ctx, event.TypeAdmissionAllowed, map[string]value.Value{
		"tenant":   value.String(req.Tenant),
		"endpoint": value.String(req.Endpoint),
	})
	return decision
}

func (c *Controller) deny(ctx context.Context, req Request, code string, retryAfter time.Duration, violations int) Decision {
	c.emit(ctx, event.TypeAdmissionDenied, map[string]value.Value{
		"tenant":         value.String(req.Tenant),
		"endpoint":       value.String(req.Endpoint),
		"code":           value.String(code),
		"retry_after_ms": value.Int(retryAfter.Milliseconds()),
		"violations":     value.Int(int64(violations)),
	})
	return Decision{Allowed: false, Code: code, RetryAfter: retryAfter}
}

func (c *Controller) emitRateViolation(ctx context.Context, req Request, rate RateDecision) {
	c.emit(ctx, event.TypeRateLimitViolated, map[string]value.Value{
		"tenant":         value.String(req.Tenant),
		"endpoint":       value.String(req.Endpoint),
		"key":            value.String(rate.Key),
		"violations":     value.Int(int64(rate.Violations)),
		"retry_after_ms": value.Int(rate.RetryAfter.Milliseconds()),
	})
}

func (c *Controller) onBreakerChange(change StateChange) {
	typ := ""
	switch change.To {
	case BreakerOpen:
		typ = event.TypeBreakerOpened
	case BreakerClosed:
		typ = event.TypeBreakerClosed
	default:
		return // half-open transitions are not part of the contract
	}
	// Called with the breaker lock held; emission is synchronous but the
	// bus never calls back into admission.
	c.emit(context.Background(), typ, map[string]value.Value{
		"endpoint": value.String(change.Endpoint),
		"from":     value.String(string(change.From)),
	})
}

func (c *Controller) emit(ctx context.Context, typ string, payload map[string]value.Value) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Emit(ctx, typ, "core.admission", value.Map(payload)); err != nil {
		c.logger.Debug().Err(err).Str("type", typ).Msg("admission event emission failed")
	}
}
