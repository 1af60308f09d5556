package admission

import (
	"sync"
	"time"
)

// Tier is a tenant's billing tier.
type Tier string

// Billing tiers.
const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// TierLimits are the monthly hard limits for one tier. Zero means
// unlimited for that resource.
type TierLimits struct {
	Invocations  int64
	ComputeMS    int64
	StorageBytes int64
	NetworkBytes int64
}

// DefaultTierTable is the static tier table. Deployments override via
// CostConfig.Table.
var DefaultTierTable = map[Tier]TierLimits{
	TierFree:       {Invocations: 1_000, ComputeMS: 600_000, StorageBytes: 100 << 20, NetworkBytes: 1 << 30},
	TierBasic:      {Invocations: 50_000, ComputeMS: 36_000_000, StorageBytes: 10 << 30, NetworkBytes: 100 << 30},
	TierPremium:    {Invocations: 1_000_000, ComputeMS: 360_000_000, StorageBytes: 100 << 30, NetworkBytes: 1 << 40},
	TierEnterprise: {}, // unlimited
}

// DefaultSoftFraction is the fraction of a hard limit at which the meter
// starts alerting.
const DefaultSoftFraction = 0.8

// Usage is a tenant's resource consumption in the current month.
type Usage struct {
	Invocations  int64
	ComputeMS    int64
	StorageBytes int64
	NetworkBytes int64
}

// Delta is one operation's incremental resource cost.
type Delta struct {
	Invocations  int64
	ComputeMS    int64
	StorageBytes int64
	NetworkBytes int64
}

// CostConfig configures the meter.
type CostConfig struct {
	// Table maps tiers to limits. Defaults to DefaultTierTable.
	Table map[Tier]TierLimits

	// SoftFraction of a hard limit triggers alerts. Default 0.8.
	SoftFraction float64

	// DefaultTier applies to tenants with no explicit assignment.
	DefaultTier Tier
}

type tenantUsage struct {
	month time.Time // first instant of the usage month, UTC
	usage Usage
}

// CostVerdict is the meter's decision for one charge.
type CostVerdict struct {
	// Allowed is false when a hard limit would be exceeded.
	Allowed bool

	// SoftExceeded flags crossings of the alert threshold.
	SoftExceeded bool

	// Resource names the limiting resource for denied or alerting
	// verdicts.
	Resource string

	// Remaining is the invocation budget left this month (-1 when
	// unlimited).
	Remaining int64
}

// CostMeter enforces per-tenant monthly resource quotas. Counters reset
// at the first charge of each new month.
type CostMeter struct {
	mu     sync.Mutex
	cfg    CostConfig
	tiers  map[string]Tier
	usage  map[string]*tenantUsage

	now func() time.Time
}

// NewCostMeter creates a meter.
func NewCostMeter(cfg CostConfig) *CostMeter {
	if cfg.Table == nil {
		cfg.Table = DefaultTierTable
	}
	if cfg.SoftFraction <= 0 || cfg.SoftFraction >= 1 {
		cfg.SoftFraction = DefaultSoftFraction
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierFree
	}
	return &CostMeter{
		cfg:   cfg,
		tiers: make(map[string]Tier),
		usage: make(map[string]*tenantUsage),
		now:   time.Now,
	}
}

// SetTier assigns a tenant's tier.
func (m *CostMeter) SetTier(tenant string, tier Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tenant] = tier
}

// Charge applies delta to the tenant's monthly usage if it fits the hard
// limits. A denied charge leaves usage untouched.
func (m *CostMeter) Charge(tenant string, delta Delta) CostVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	limits := m.limitsFor(tenant)
	tu := m.usageFor(tenant)

	next := Usage{
		Invocations:  tu.usage.Invocations + delta.Invocations,
		ComputeMS:    tu.usage.ComputeMS + delta.ComputeMS,
		StorageBytes: tu.usage.StorageBytes + delta.StorageBytes,
		NetworkBytes: tu.usage.NetworkBytes + delta.NetworkBytes,
	}

	if resource := exceeded(next, limits, 1.0); resource != "" {
		return CostVerdict{Allowed: false, Resource: resource, Remaining: remaining(tu.usage, limits)}
	}

	tu.usage = next
	verdict := CostVerdict{Allowed: true, Remaining: remaining(next, limits)}
	if resource := exceeded(next, limits, m.cfg.SoftFraction); resource != "" {
		verdict.SoftExceeded = true
		verdict.Resource = resource
	}
	return verdict
}

// UsageFor returns the tenant's current-month usage.
func (m *CostMeter) UsageFor(tenant string) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageFor(tenant).usage
}

func (m *CostMeter) limitsFor(tenant string) TierLimits {
	tier, ok := m.tiers[tenant]
	if !ok {
		tier = m.cfg.DefaultTier
	}
	return m.cfg.Table[tier]
}

// usageFor returns the tenant's record, resetting it when the month
// rolled over. Caller holds the lock.
func (m *CostMeter) usageFor(tenant string) *tenantUsage {
	now := m.now().UTC()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	tu, ok := m.usage[tenant]
	if !ok || !tu.month.Equal(month) {
		tu = &tenantUsage{month: month}
		m.usage[tenant] = tu
	}
	return tu
}

// exceeded returns the first resource whose usage crosses fraction of its
// hard limit, or "".
func exceeded(u Usage, limits TierLimits, fraction float64) string {
	over := func(used, limit int64) bool {
		return limit > 0 && float64(used) > fraction*float64(limit)
	}
	switch {
	case over(u.Invocations, limits.Invocations):
		return "invocations"
	case over(u.ComputeMS, limits.ComputeMS):
		return "compute"
	case over(u.StorageBytes, limits.StorageBytes):
		return "storage"
	case over(u.NetworkBytes, limits.NetworkBytes):
		return "network"
	default:
		return ""
	}
}

func remaining(u Usage, limits TierLimits) int64 {
	if limits.Invocations == 0 {
		return -1
	}
	r := limits.Invocations - u.Invocations
	if r < 0 {
		r = 0
	}
	return r
}
