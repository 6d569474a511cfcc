// Package tally keeps a local mirror of billing provider subscriptions
// consistent with the provider and drives referral credits from it.
//
// Tally is a library. The provider remains the system of record; Tally owns
// the mirror rows, the referral state machine and the decisions made from
// both:
//
//   - Reconciliation: fetch the canonical subscription state and upsert it
//     into the mirror, stamping last_api_sync
//   - Cancel and reactivate a subscription against fresh provider state
//   - Referral credits posted at most once, reverted on cancellation and
//     restored on reactivation
//   - Capabilities derived from entitlement and workspace role
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/provider/stripe"
//	    "github.com/xraph/tally/store/postgres"
//	)
//
//	st := postgres.New(db)
//
//	engine := tally.New(st,
//	    tally.WithProvider(stripe.New(secretKey)),
//	    tally.WithLogger(logger),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	res, err := engine.SyncSubscription(ctx, userID)
//
// # Referral credits
//
// A referral moves through named transitions only:
//
//	pending --complete--> completed --reward--> rewarded
//	rewarded --revert--> completed --restore--> rewarded
//
// Reward, revert and restore move money. Each is claimed on the persisted row
// before the provider is called and committed afterwards, with a provider
// idempotency key derived from the referral, the transition and the
// revert/restore cycle. Claims whose commit never happened are re-driven by
// RepairInFlightCredits.
//
// # Errors
//
// Provider failures surface as *ProviderError carrying a retryable flag.
// Reconciliation degrades retryable failures to a stale result; mutating
// actions return them to the caller. Reactivating a subscription whose
// cancellation already took effect returns *TerminalStateError.
package tally
