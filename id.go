package tally

import "github.com/xraph/tally/id"

// ID is the primary identifier type for all Tally entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

// SubscriptionID identifies a mirrored subscription row.
type SubscriptionID = id.SubscriptionID

// ReferralID identifies a referral.
type ReferralID = id.ReferralID
