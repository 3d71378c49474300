package httpapi

import "github.com/MarkoPoloResearchLab/creditledger/pkg/credits"

type transactionPayload struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	CreditsAdded     int64  `json:"credits_added"`
	CreditsDeducted  int64  `json:"credits_deducted"`
	ResultingBalance int64  `json:"resulting_balance"`
	Type             string `json:"type"`
	Description      string `json:"description,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

type reservationPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type expiryPayload struct {
	ID               string `json:"id"`
	PlanID           string `json:"plan_id,omitempty"`
	Credits          int64  `json:"credits"`
	RemainingCredits int64  `json:"remaining_credits"`
	ExpiresAt        int64  `json:"expires_at"`
}

type planPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	CreditLimit   int64  `json:"credit_limit"`
	PriceCents    int64  `json:"price_cents"`
	BillingPeriod string `json:"billing_period"`
	ValidityDays  int    `json:"validity_days"`
	IsActive      bool   `json:"is_active"`
}

type subscriptionPayload struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	PlanID     string `json:"plan_id"`
	StartedAt  int64  `json:"started_at"`
	ValidUntil int64  `json:"valid_until,omitempty"`
	AutoRenew  bool   `json:"auto_renew"`
	IsActive   bool   `json:"is_active"`
}

func transactionView(record credits.Transaction) transactionPayload {
	return transactionPayload{
		ID:               record.ID,
		UserID:           record.UserID,
		CreditsAdded:     record.CreditsAdded,
		CreditsDeducted:  record.CreditsDeducted,
		ResultingBalance: record.ResultingBalance,
		Type:             string(record.Type),
		Description:      record.Description,
		CreatedAt:        record.CreatedUnixUTC,
	}
}

func transactionViews(records []credits.Transaction) []transactionPayload {
	views := make([]transactionPayload, 0, len(records))
	for _, record := range records {
		views = append(views, transactionView(record))
	}
	return views
}

func reservationView(reservation credits.Reservation) reservationPayload {
	return reservationPayload{
		ID:        reservation.ID,
		UserID:    reservation.UserID,
		Amount:    reservation.Amount.Int64(),
		Reason:    reservation.Reason,
		Status:    reservation.Status.String(),
		CreatedAt: reservation.CreatedUnixUTC,
	}
}

func expiryViews(records []credits.CreditExpiryRecord) []expiryPayload {
	views := make([]expiryPayload, 0, len(records))
	for _, record := range records {
		views = append(views, expiryPayload{
			ID:               record.ID,
			PlanID:           record.PlanID,
			Credits:          record.Credits,
			RemainingCredits: record.RemainingCredits,
			ExpiresAt:        record.ExpiresAtUnixUTC,
		})
	}
	return views
}

func planView(plan credits.SubscriptionPlan) planPayload {
	return planPayload{
		ID:            plan.ID,
		Name:          plan.Name,
		Description:   plan.Description,
		CreditLimit:   plan.CreditLimit,
		PriceCents:    plan.PriceCents,
		BillingPeriod: string(plan.BillingPeriod),
		ValidityDays:  plan.ValidityDays,
		IsActive:      plan.IsActive,
	}
}

func subscriptionView(subscription credits.UserSubscription) subscriptionPayload {
	return subscriptionPayload{
		ID:         subscription.ID,
		UserID:     subscription.UserID,
		PlanID:     subscription.PlanID,
		StartedAt:  subscription.StartedUnixUTC,
		ValidUntil: subscription.ValidUntilUnixUTC,
		AutoRenew:  subscription.AutoRenew,
		IsActive:   subscription.IsActive,
	}
}
