package service

import (
	"time"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

// Compaction reasons reported by Policy.Evaluate.
const (
	ReasonNoSnapshot = "no_snapshot"
	ReasonStale      = "stale"
	ReasonEvents     = "event_threshold"
	ReasonAge        = "max_age"
	ReasonGrowth     = "item_growth"
	ReasonForced     = "forced"
)

// Policy decides when a fresh snapshot is materialized. Zero or negative
// limits disable the corresponding rule.
type Policy struct {
	// EventThreshold triggers once more events than this were applied.
	EventThreshold int

	// MaxAge triggers once the snapshot is older than this.
	MaxAge time.Duration

	// GrowthRatio triggers once the item count grew by more than this
	// fraction of the snapshot's recorded count.
	GrowthRatio float64
}

// DefaultPolicy returns the default compaction policy.
func DefaultPolicy() Policy {
	return Policy{
		EventThreshold: 50,
		MaxAge:         time.Hour,
		GrowthRatio:    0.2,
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Trigger bool
	Reason  string
}

// Evaluate checks the rules in order and reports the first that fires.
func (p Policy) Evaluate(snap *domain.Snapshot, itemCount, eventsApplied int, now time.Time) Decision {
	if snap == nil {
		return Decision{Trigger: true, Reason: ReasonNoSnapshot}
	}
	if snap.Stale {
		return Decision{Trigger: true, Reason: ReasonStale}
	}
	if p.EventThreshold > 0 && eventsApplied > p.EventThreshold {
		return Decision{Trigger: true, Reason: ReasonEvents}
	}
	if p.MaxAge > 0 && snap.Age(now) > p.MaxAge {
		return Decision{Trigger: true, Reason: ReasonAge}
	}
	if p.GrowthRatio > 0 && itemCount > snap.ItemCount {
		if snap.ItemCount == 0 ||
			float64(itemCount-snap.ItemCount)/float64(snap.ItemCount) > p.GrowthRatio {
			return Decision{Trigger: true, Reason: ReasonGrowth}
		}
	}
	return Decision{}
}
