package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/flowmesh/flowmesh-go/value"
)

// Risk grades the security layer's assessment of a request.
type Risk int

// Risk levels, in ascending severity.
const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase risk name.
func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "critical"
	}
}

// PatternRule flags payload strings matching a known-bad pattern.
type PatternRule struct {
	Name    string
	Risk    Risk
	Pattern *regexp.Regexp
}

// DefaultPatternRules cover the classic injection classes. The set is a
// baseline, not a WAF; deployments extend it per tenant policy.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{Name: "script-injection", Risk: RiskCritical, Pattern: regexp.MustCompile(`(?i)<script[\s>]|javascript:`)},
		{Name: "sql-injection", Risk: RiskHigh, Pattern: regexp.MustCompile(`(?i)('|%27)\s*(or|and)\s+\S+\s*=|union\s+select|;\s*drop\s+table`)},
		{Name: "path-traversal", Risk: RiskHigh, Pattern: regexp.MustCompile(`\.\./|\.\.\\`)},
		{Name: "command-injection", Risk: RiskHigh, Pattern: regexp.MustCompile(`(?i)[;&|]\s*(rm|curl|wget|nc|sh|bash)\s`)},
		{Name: "code-eval", Risk: RiskMedium, Pattern: regexp.MustCompile(`(?i)\beval\s*\(|\bexec\s*\(`)},
	}
}

// tenantBaseline is the rolling per-tenant behavioral profile used for
// anomaly scoring.
type tenantBaseline struct {
	samples   int64
	totalSize int64
}

func (b *tenantBaseline) meanSize() float64 {
	if b.samples == 0 {
		return 0
	}
	return float64(b.totalSize) / float64(b.samples)
}

// SecurityLayer runs pattern, behavioral, and integrity rules and scores
// the request against the tenant's baseline.
//
// A request accumulates a risk level from:
//   - pattern rule hits on string payload fields
//   - payload size anomalies versus the tenant baseline
//   - oversized payloads versus the absolute bound
//
// Requests at or above BlockAt fail with ABUSE_DETECTED; lower risks pass
// with the assessment attached to the result details.
type SecurityLayer struct {
	// Rules defaults to DefaultPatternRules when empty.
	Rules []PatternRule

	// MaxPayloadBytes is the absolute payload bound. 0 disables.
	MaxPayloadBytes int

	// AnomalyFactor flags payloads larger than factor × baseline mean.
	// 0 disables behavioral scoring.
	AnomalyFactor float64

	// BlockAt is the minimum risk that blocks. Default RiskHigh; raise
	// to RiskCritical to observe-only high findings.
	BlockAt Risk

	mu        sync.Mutex
	baselines map[string]*tenantBaseline
	initOnce  sync.Once
}

// ID implements Layer.
func (*SecurityLayer) ID() string { return "security" }

// Validate implements Layer.
func (l *SecurityLayer) Validate(_ context.Context, req *Request) Result {
	l.initOnce.Do(func() {
		if len(l.Rules) == 0 {
			l.Rules = DefaultPatternRules()
		}
		if l.BlockAt == 0 {
			l.BlockAt = RiskHigh
		}
		l.baselines = make(map[string]*tenantBaseline)
	})

	risk := RiskLow
	var findings []value.Value
	record := func(name string, r Risk, detail string) {
		if r > risk {
			risk = r
		}
		findings = append(findings, value.Map(map[string]value.Value{
			"rule":   value.String(name),
			"risk":   value.String(r.String()),
			"detail": value.String(detail),
		}))
	}

	// Pattern rules over every string field of the payload.
	walkStrings(req.Payload, func(s string) {
		for _, rule := range l.Rules {
			if rule.Pattern.MatchString(s) {
				record(rule.Name, rule.Risk, "payload matched "+rule.Name)
			}
		}
	})
	walkStrings(value.String(req.Path), func(s string) {
		for _, rule := range l.Rules {
			if rule.Pattern.MatchString(s) {
				record(rule.Name, rule.Risk, "path matched "+rule.Name)
			}
		}
	})

	// Integrity and size checks.
	size := len(value.Canonical(req.Payload))
	if l.MaxPayloadBytes > 0 && size > l.MaxPayloadBytes {
		record("payload-size", RiskHigh, fmt.Sprintf("payload %d bytes exceeds bound %d", size, l.MaxPayloadBytes))
	}

	// Behavioral scoring against the tenant baseline, then fold this
	// request into the baseline.
	if l.AnomalyFactor > 0 && req.Tenant != "" {
		l.mu.Lock()
		b := l.baselines[req.Tenant]
		if b == nil {
			b = &tenantBaseline{}
			l.baselines[req.Tenant] = b
		}
		mean := b.meanSize()
		enough := b.samples >= 10
		b.samples++
		b.totalSize += int64(size)
		l.mu.Unlock()

		if enough && mean > 0 && float64(size) > l.AnomalyFactor*mean {
			record("payload-anomaly", RiskMedium,
				fmt.Sprintf("payload %d bytes deviates from tenant mean %.0f", size, mean))
		}
	}

	details := value.Map(map[string]value.Value{
		"risk":     value.String(risk.String()),
		"findings": value.List(findings...),
	})

	if risk >= l.BlockAt {
		res := Failed(CodeAbuseDetected, fmt.Sprintf("request risk %s at or above blocking threshold", risk))
		res.Details = details
		return res
	}

	res := Pass()
	res.Details = details
	return res
}

// walkStrings visits every string scalar in v.
func walkStrings(v value.Value, visit func(string)) {
	switch v.Kind() {
	case value.KindString:
		visit(v.Str())
	case value.KindList:
		for _, e := range v.ListVal() {
			walkStrings(e, visit)
		}
	case value.KindMap:
		for _, e := range v.MapVal() {
			walkStrings(e, visit)
		}
	}
}
