package mongo

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

	ID                     string     `grove:"id,pk"                    bson:"_id"`
	UserID                 string     `grove:"user_id"                  bson:"user_id"`
	Status                 string     `grove:"status"                   bson:"status"`
	ExternalClientID       string     `grove:"external_client_id"       bson:"external_client_id"`
	ExternalSubscriptionID string     `grove:"external_subscription_id" bson:"external_subscription_id"`
	PaymentMethod          string     `grove:"payment_method"           bson:"payment_method"`
	CancelAtPeriodEnd      bool       `grove:"cancel_at_period_end"     bson:"cancel_at_period_end"`
	CurrentPeriodEnd       time.Time  `grove:"current_period_end"       bson:"current_period_end"`
	LastAPISync            *time.Time `grove:"last_api_sync"            bson:"last_api_sync"`
	DeletedAt              *time.Time `grove:"deleted_at"               bson:"deleted_at"`
	CreatedAt              time.Time  `grove:"created_at"               bson:"created_at"`
	UpdatedAt              time.Time  `grove:"updated_at"               bson:"updated_at"`
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
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                     subID,
		UserID:                 m.UserID,
		Status:                 subscription.Status(m.Status),
		ExternalClientID:       m.ExternalClientID,
		ExternalSubscriptionID: m.ExternalSubscriptionID,
		PaymentMethod:          m.PaymentMethod,
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		CurrentPeriodEnd:       m.CurrentPeriodEnd.UTC(),
		LastAPISync:            utcPtr(m.LastAPISync),
		DeletedAt:              utcPtr(m.DeletedAt),
	}, nil
}

// ==================== Referral models ====================

type referralModel struct {
	grove.BaseModel `grove:"table:tally_referrals"`

	ID                 string     `grove:"id,pk"                 bson:"_id"`
	ReferrerUserID     string     `grove:"referrer_user_id"      bson:"referrer_user_id"`
	ReferredUserID     string     `grove:"referred_user_id"      bson:"referred_user_id"`
	Code               string     `grove:"referral_code"         bson:"referral_code"`
	Status             string     `grove:"status"                bson:"status"`
	DiscountAmount     int64      `grove:"discount_amount"       bson:"discount_amount"`
	DiscountCurrency   string     `grove:"discount_currency"     bson:"discount_currency"`
	DiscountApplied    bool       `grove:"discount_applied"      bson:"discount_applied"`
	AppliedToInvoiceID string     `grove:"applied_to_invoice_id" bson:"applied_to_invoice_id"`
	CompletedAt        *time.Time `grove:"completed_at"          bson:"completed_at"`
	RewardedAt         *time.Time `grove:"rewarded_at"           bson:"rewarded_at"`
	InFlight           string     `grove:"in_flight"             bson:"in_flight"`
	InFlightAt         *time.Time `grove:"in_flight_at"          bson:"in_flight_at"`
	InFlightTarget     string     `grove:"in_flight_target"      bson:"in_flight_target"`
	Cycle              int        `grove:"cycle"                 bson:"cycle"`
	LastTransactionID  string     `grove:"last_transaction_id"   bson:"last_transaction_id"`
	CreatedAt          time.Time  `grove:"created_at"            bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"            bson:"updated_at"`
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
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                 refID,
		ReferrerUserID:     m.ReferrerUserID,
		ReferredUserID:     m.ReferredUserID,
		Code:               m.Code,
		Status:             referral.Status(m.Status),
		DiscountAmount:     types.New(m.DiscountAmount, m.DiscountCurrency),
		DiscountApplied:    m.DiscountApplied,
		AppliedToInvoiceID: m.AppliedToInvoiceID,
		CompletedAt:        utcPtr(m.CompletedAt),
		RewardedAt:         utcPtr(m.RewardedAt),
		InFlight:           referral.Transition(m.InFlight),
		InFlightAt:         utcPtr(m.InFlightAt),
		InFlightTarget:     m.InFlightTarget,
		Cycle:              m.Cycle,
		LastTransactionID:  m.LastTransactionID,
	}, nil
}

// BSON dates decode in local time.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
