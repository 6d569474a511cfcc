package postgres

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tally_subscriptions"`

	ID                     string     `grove:"id,pk"`
	UserID                 string     `grove:"user_id"`
	Status                 string     `grove:"status"`
	ExternalClientID       string     `grove:"external_client_id"`
	ExternalSubscriptionID string     `grove:"external_subscription_id"`
	PaymentMethod          string     `grove:"payment_method"`
	CancelAtPeriodEnd      bool       `grove:"cancel_at_period_end"`
	CurrentPeriodEnd       time.Time  `grove:"current_period_end"`
	LastAPISync            *time.Time `grove:"last_api_sync"`
	DeletedAt              *time.Time `grove:"deleted_at"`
	CreatedAt              time.Time  `grove:"created_at"`
	UpdatedAt              time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                     s.ID.String(),
		UserID:                 s.UserID,
		Status:                 string(s.Status),
		ExternalClientID:       s.ExternalClientID,
		ExternalSubscriptionID: s.ExternalSubscriptionID,
		PaymentMethod:          s.PaymentMethod,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		LastAPISync:            s.LastAPISync,
		DeletedAt:              s.DeletedAt,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                     subID,
		UserID:                 m.UserID,
		Status:                 subscription.Status(m.Status),
		ExternalClientID:       m.ExternalClientID,
		ExternalSubscriptionID: m.ExternalSubscriptionID,
		PaymentMethod:          m.PaymentMethod,
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		CurrentPeriodEnd:       m.CurrentPeriodEnd,
		LastAPISync:            m.LastAPISync,
		DeletedAt:              m.DeletedAt,
	}, nil
}

// ==================== Referral models ====================

type referralModel struct {
	grove.BaseModel `grove:"table:tally_referrals"`

	ID                 string     `grove:"id,pk"`
	ReferrerUserID     string     `grove:"referrer_user_id"`
	ReferredUserID     string     `grove:"referred_user_id"`
	Code               string     `grove:"referral_code"`
	Status             string     `grove:"status"`
	DiscountAmount     int64      `grove:"discount_amount"`
	DiscountCurrency   string     `grove:"discount_currency"`
	DiscountApplied    bool       `grove:"discount_applied"`
	AppliedToInvoiceID string     `grove:"applied_to_invoice_id"`
	CompletedAt        *time.Time `grove:"completed_at"`
	RewardedAt         *time.Time `grove:"rewarded_at"`
	InFlight           string     `grove:"in_flight"`
	InFlightAt         *time.Time `grove:"in_flight_at"`
	InFlightTarget     string     `grove:"in_flight_target"`
	Cycle              int        `grove:"cycle"`
	LastTransactionID  string     `grove:"last_transaction_id"`
	CreatedAt          time.Time  `grove:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"`
}

func toReferralModel(r *referral.Referral) *referralModel {
	return &referralModel{
		ID:                 r.ID.String(),
		ReferrerUserID:     r.ReferrerUserID,
		ReferredUserID:     r.ReferredUserID,
		Code:               r.Code,
		Status:             string(r.Status),
		DiscountAmount:     r.DiscountAmount.Amount,
		DiscountCurrency:   r.DiscountAmount.Currency,
		DiscountApplied:    r.DiscountApplied,
		AppliedToInvoiceID: r.AppliedToInvoiceID,
		CompletedAt:        r.CompletedAt,
		RewardedAt:         r.RewardedAt,
		InFlight:           string(r.InFlight),
		InFlightAt:         r.InFlightAt,
		InFlightTarget:     r.InFlightTarget,
		Cycle:              r.Cycle,
		LastTransactionID:  r.LastTransactionID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func fromReferralModel(m *referralModel) (*referral.Referral, error) {
	refID, err := id.ParseReferralID(m.ID)
	if err != nil {
		return nil, err
	}
	return &referral.Referral{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 refID,
		ReferrerUserID:     m.ReferrerUserID,
		ReferredUserID:     m.ReferredUserID,
		Code:               m.Code,
		Status:             referral.Status(m.Status),
		DiscountAmount:     types.New(m.DiscountAmount, m.DiscountCurrency),
		DiscountApplied:    m.DiscountApplied,
		AppliedToInvoiceID: m.AppliedToInvoiceID,
		CompletedAt:        m.CompletedAt,
		RewardedAt:         m.RewardedAt,
		InFlight:           referral.Transition(m.InFlight),
		InFlightAt:         m.InFlightAt,
		InFlightTarget:     m.InFlightTarget,
		Cycle:              m.Cycle,
		LastTransactionID:  m.LastTransactionID,
	}, nil
}
