package credits

import (
	"context"
	"fmt"
)

// Subscriptions coordinates plan configuration and the periodic
// allocation/expiry sweep on top of the engine's primitives. It carries no
// state of its own; an external scheduler drives it.
type Subscriptions struct {
	store   Store
	service *Service
	audit   AuditSink
}

// NewSubscriptions wires the orchestrator.
func NewSubscriptions(store Store, service *Service, options ...SubscriptionsOption) (*Subscriptions, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if service == nil {
		return nil, fmt.Errorf("%w: credit service dependency is nil", ErrInvalidServiceConfig)
	}
	subscriptions := &Subscriptions{store: store, service: service, audit: nopAuditSink{}}
	for _, option := range options {
		if option != nil {
			option(subscriptions)
		}
	}
	return subscriptions, nil
}

// SubscriptionsOption configures a Subscriptions instance.
type SubscriptionsOption func(*Subscriptions)

// WithSubscriptionsAuditSink wires the audit sink for subscription events.
func WithSubscriptionsAuditSink(sink AuditSink) SubscriptionsOption {
	return func(subscriptions *Subscriptions) {
		if sink != nil {
			subscriptions.audit = sink
		}
	}
}

// CreatePlan stores a new subscription plan.
func (subscriptions *Subscriptions) CreatePlan(ctx context.Context, plan SubscriptionPlan) (SubscriptionPlan, error) {
	if plan.CreditLimit <= 0 {
		return SubscriptionPlan{}, fmt.Errorf("%w: plan credit limit must be positive", ErrInvalidAmount)
	}
	return subscriptions.store.CreateSubscriptionPlan(ctx, plan)
}

// Plan loads a plan by id.
func (subscriptions *Subscriptions) Plan(ctx context.Context, planID string) (SubscriptionPlan, error) {
	return subscriptions.store.GetSubscriptionPlan(ctx, planID)
}

// SetUserPlan assigns a plan to a user with a validity window derived from
// the plan's billing period.
func (subscriptions *Subscriptions) SetUserPlan(ctx context.Context, userID UserID, plan SubscriptionPlan, autoRenew bool) (UserSubscription, error) {
	now := subscriptions.service.nowFn()
	subscription, err := subscriptions.store.UpsertUserSubscription(ctx, UserSubscription{
		UserID:            userID.String(),
		PlanID:            plan.ID,
		StartedUnixUTC:    now,
		ValidUntilUnixUTC: now + billingPeriodSeconds(plan.BillingPeriod),
		AutoRenew:         autoRenew,
		IsActive:          true,
	})
	if err != nil {
		return UserSubscription{}, err
	}
	subscriptions.audit.LogTransaction(ctx, userID.String(), "User subscription set", map[string]any{
		"subscription_plan_id": plan.ID,
		"valid_until":          subscription.ValidUntilUnixUTC,
	}, CorrelationIDFrom(ctx))
	return subscription, nil
}

// UserPlan returns the user's current subscription.
func (subscriptions *Subscriptions) UserPlan(ctx context.Context, userID UserID) (UserSubscription, error) {
	return subscriptions.store.GetUserSubscription(ctx, userID)
}

// AllocateSubscriptionCredits grants the plan's per-period credit limit to
// the subscribed user, with the plan's validity horizon on the chunk.
func (subscriptions *Subscriptions) AllocateSubscriptionCredits(ctx context.Context, subscription UserSubscription, plan SubscriptionPlan) (Transaction, error) {
	userID, err := NewUserID(subscription.UserID)
	if err != nil {
		return Transaction{}, err
	}
	amount, err := NewAmount(plan.CreditLimit)
	if err != nil {
		return Transaction{}, err
	}
	description := fmt.Sprintf("Subscription allocation for plan %s", plan.Name)
	record, err := subscriptions.service.AddWithValidity(ctx, userID, amount, description, plan.ID, plan.ValidityDays)
	if err != nil {
		return Transaction{}, err
	}
	subscriptions.audit.LogTransaction(ctx, subscription.UserID, "Subscription credits allocated", map[string]any{
		"subscription_plan_id": plan.ID,
		"credit_limit":         plan.CreditLimit,
	}, CorrelationIDFrom(ctx))
	return record, nil
}

// CheckExpiration runs the expiry sweep for one user. Pass 0 to sweep as
// of now.
func (subscriptions *Subscriptions) CheckExpiration(ctx context.Context, userID UserID, asOfUnixUTC int64) (int64, error) {
	return subscriptions.service.Expire(ctx, userID, asOfUnixUTC)
}

func billingPeriodSeconds(period BillingPeriod) int64 {
	switch period {
	case BillingDaily:
		return secondsPerDay
	case BillingYearly:
		return 365 * secondsPerDay
	default:
		return 30 * secondsPerDay
	}
}
