package limits

import (
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/shopspring/decimal"
)

// Policy is the immutable tier -> limit table. It is loaded once at process
// start and passed into the Enforcer constructor; there is no global table.
type Policy map[domain.Tier]domain.TierLimit

// FallbackTier is applied when an account carries a tier the policy does not
// know. Most restrictive wins.
const FallbackTier = domain.Tier1

// DefaultPolicy returns the platform's standard four-tier table in base
// currency. The top tier is explicitly unlimited.
func DefaultPolicy() Policy {
	return Policy{
		domain.Tier1: {
			DailyLimit:        decimal.NewFromInt(50_000),
			PerOperationLimit: decimal.NewFromInt(20_000),
		},
		domain.Tier2: {
			DailyLimit:        decimal.NewFromInt(200_000),
			PerOperationLimit: decimal.NewFromInt(100_000),
		},
		domain.Tier3: {
			DailyLimit:        decimal.NewFromInt(5_000_000),
			PerOperationLimit: decimal.NewFromInt(1_000_000),
		},
		domain.TierUnlimited: {
			Unlimited: true,
		},
	}
}

// Validate rejects tiers configured with no usable ceiling. A zero limit is a
// configuration fault, never silently unlimited.
func (p Policy) Validate() error {
	if _, ok := p[FallbackTier]; !ok {
		return &domain.LimitConfigError{Tier: FallbackTier}
	}
	for tier, lim := range p {
		if lim.Unlimited {
			continue
		}
		if !lim.DailyLimit.IsPositive() || !lim.PerOperationLimit.IsPositive() {
			return &domain.LimitConfigError{Tier: tier}
		}
	}
	return nil
}

func (p Policy) limitFor(tier domain.Tier) (domain.TierLimit, error) {
	lim, ok := p[tier]
	if !ok {
		lim, ok = p[FallbackTier]
		if !ok {
			return domain.TierLimit{}, &domain.LimitConfigError{Tier: tier}
		}
	}
	if !lim.Unlimited && (!lim.DailyLimit.IsPositive() || !lim.PerOperationLimit.IsPositive()) {
		return domain.TierLimit{}, &domain.LimitConfigError{Tier: tier}
	}
	return lim, nil
}
