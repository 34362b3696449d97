package scheduler

import "fmt"

// Tier is a priority band. Lower values drain first.
type Tier int

// Priority tiers.
const (
	TierHigh Tier = iota
	TierNormal
	TierLow
	tierCount
)

// Priority bounds accepted on jobs.
const (
	MinPriority = 1
	MaxPriority = 10
)

// String returns the label used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// TierFor maps a 1-10 priority onto a tier: 8-10 high, 4-7 normal, 1-3 low.
func TierFor(priority int) Tier {
	switch {
	case priority >= 8:
		return TierHigh
	case priority >= 4:
		return TierNormal
	default:
		return TierLow
	}
}

// ValidPriority reports whether p is within the accepted range.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// AllTiers returns tiers in drain order.
func AllTiers() []Tier {
	return []Tier{TierHigh, TierNormal, TierLow}
}
