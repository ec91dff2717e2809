/**
 * @description
 * Domain models for subscriptions, plans and their audit trail.
 */
package domain

import "time"

// SubscriptionStatus is the customer-visible lifecycle status.
type SubscriptionStatus string

const (
	StatusTrial          SubscriptionStatus = "TRIAL"
	StatusPendingPayment SubscriptionStatus = "PENDING_PAYMENT"
	StatusActive         SubscriptionStatus = "ACTIVE"
	StatusPastDue        SubscriptionStatus = "PAST_DUE"
	StatusSuspended      SubscriptionStatus = "SUSPENDED"
	StatusExpired        SubscriptionStatus = "EXPIRED"
	StatusCancelled      SubscriptionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave this status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// In reports whether s is one of the given statuses.
func (s SubscriptionStatus) In(statuses ...SubscriptionStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// BillingCycle is the length of a paid period.
type BillingCycle string

const (
	CycleMonthly    BillingCycle = "MONTHLY"
	CycleQuarterly  BillingCycle = "QUARTERLY"
	CycleSemiAnnual BillingCycle = "SEMIANNUAL"
	CycleAnnual     BillingCycle = "ANNUAL"
)

// Months returns the number of calendar months in the cycle.
func (c BillingCycle) Months() int {
	switch c {
	case CycleQuarterly:
		return 3
	case CycleSemiAnnual:
		return 6
	case CycleAnnual:
		return 12
	default:
		return 1
	}
}

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleMonthly, CycleQuarterly, CycleSemiAnnual, CycleAnnual:
		return true
	}
	return false
}

// Advance returns t moved forward by one cycle.
func (c BillingCycle) Advance(t time.Time) time.Time {
	return t.AddDate(0, c.Months(), 0)
}

// Plan is a purchasable tier. Rank orders plans for upgrade/downgrade checks.
type Plan struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Rank     int    `json:"rank"`
	IsActive bool   `json:"is_active"`
}

// Price is the amount charged for a plan on a given cycle, in minor units.
type Price struct {
	ID           string       `json:"id"`
	PlanID       string       `json:"plan_id"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	IsActive     bool         `json:"is_active"`
}

// PlanChange is a target plan/price pair, used for pending downgrades.
type PlanChange struct {
	PlanID       string       `json:"plan_id"`
	PlanCode     string       `json:"plan_code"`
	PlanRank     int          `json:"plan_rank"`
	PriceID      string       `json:"price_id"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
}

// NewPlanChange builds a PlanChange from a plan and one of its prices.
func NewPlanChange(plan Plan, price Price) PlanChange {
	return PlanChange{
		PlanID:       plan.ID,
		PlanCode:     plan.Code,
		PlanRank:     plan.Rank,
		PriceID:      price.ID,
		BillingCycle: price.BillingCycle,
		Amount:       price.Amount,
		Currency:     price.Currency,
	}
}

// Subscription is a customer's recurring paid access.
type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	PlanID             string             `json:"plan_id"`
	PlanCode           string             `json:"plan_code"`
	PlanRank           int                `json:"plan_rank"`
	PriceID            string             `json:"price_id"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	Status             SubscriptionStatus `json:"status"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	GracePeriodEnd     *time.Time         `json:"grace_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancellationReason *string            `json:"cancellation_reason,omitempty"`
	AutoRenew          bool               `json:"auto_renew"`
	ScheduledDowngrade *PlanChange        `json:"scheduled_downgrade,omitempty"`
	SuspendedAt        *time.Time         `json:"suspended_at,omitempty"`
	FirstActivatedAt   *time.Time         `json:"first_activated_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ApplyPlan points the subscription at a new plan/price.
func (s *Subscription) ApplyPlan(change PlanChange) {
	s.PlanID = change.PlanID
	s.PlanCode = change.PlanCode
	s.PlanRank = change.PlanRank
	s.PriceID = change.PriceID
	s.BillingCycle = change.BillingCycle
	s.Amount = change.Amount
	s.Currency = change.Currency
}

// SubscriptionEventType names an audit log entry.
type SubscriptionEventType string

const (
	EventCreated        SubscriptionEventType = "CREATED"
	EventActivated      SubscriptionEventType = "ACTIVATED"
	EventUpgraded       SubscriptionEventType = "UPGRADED"
	EventDowngraded     SubscriptionEventType = "DOWNGRADED"
	EventPastDue        SubscriptionEventType = "PAST_DUE"
	EventSuspended      SubscriptionEventType = "SUSPENDED"
	EventExpired        SubscriptionEventType = "EXPIRED"
	EventCancelled      SubscriptionEventType = "CANCELLED"
	EventReactivated    SubscriptionEventType = "REACTIVATED"
	EventRenewed        SubscriptionEventType = "RENEWED"
	EventReferralReward SubscriptionEventType = "REFERRAL_REWARD"
	EventTrialEnded     SubscriptionEventType = "TRIAL_ENDED"

	EventDowngradeScheduled SubscriptionEventType = "DOWNGRADE_SCHEDULED"
)

// SubscriptionEvent is an append-only audit record.
type SubscriptionEvent struct {
	ID             string                 `json:"id"`
	SubscriptionID string                 `json:"subscription_id"`
	CustomerID     string                 `json:"customer_id"`
	EventType      SubscriptionEventType  `json:"event_type"`
	PreviousStatus *SubscriptionStatus    `json:"previous_status,omitempty"`
	NewStatus      *SubscriptionStatus    `json:"new_status,omitempty"`
	PreviousPlanID *string                `json:"previous_plan_id,omitempty"`
	NewPlanID      *string                `json:"new_plan_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Change is the outcome of a mutation applied to a locked subscription row.
// Skip leaves the row untouched; otherwise the row is written and Events appended.
type Change struct {
	Events []SubscriptionEvent
	Skip   bool
}
