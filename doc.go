// Package tally reconciles payment-provider webhook events into subscription
// records and keeps an idempotent credit ledger on top of them.
//
// Tally is designed as a library, not a service. Import it directly into your
// Go application. It provides:
//
//   - Reconciliation of out-of-order and duplicated billing events against
//     records keyed by provider subscription id and by owner
//   - Periodic credit grants bounded by a rollover cap, applied at most once
//     per billing cycle
//   - Idempotent credit consumption that never drives a balance below zero
//   - An append-only ledger that is the durable dedupe authority
//   - Entitlement checks over subscription status and period
//   - Pluggable notifications via the plugin package
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/postgres"
//	)
//
//	t := tally.New(store,
//	    tally.WithLogger(logger),
//	    tally.WithUserLookup(users),
//	)
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
// Feed webhook payloads to the engine:
//
//	res, err := t.ProcessPayload(ctx, body)
//	if err != nil {
//	    // Persistence failure: let the provider redeliver.
//	}
//
// Spend credits before metered work:
//
//	res, err := t.Consume(ctx, tally.ConsumeRequest{
//	    UserID:         userID,
//	    Amount:         1,
//	    IdempotencyKey: tally.ConsumeKey(userID, requestID),
//	})
//	if err == nil && res.OK {
//	    // Do the work
//	}
//
// # Idempotency
//
// Every balance change is written to the ledger with an idempotency key
// before the balance moves. Grants use GrantKey, which is derived from the
// record id and the billing period end. Retrying any operation from scratch is
// always safe.
//
// # Concurrency
//
// Mutations of one record are serialized by a lock.Locker (in-process by
// default, Redis for several instances) and the balance is updated with a
// compare-and-swap, so concurrent consumers can never overdraw a balance.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription record
//	cred_01h455vb4pex5vsknk084sn02q  // Ledger entry
package tally
