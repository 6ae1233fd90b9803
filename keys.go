package tally

import (
	"strconv"
	"time"

	"github.com/xraph/tally/id"
)

// GrantKey builds the idempotency key of a periodic grant:
// "{subscriptionID}:{periodEndUnixMillis}", or "{subscriptionID}:first" when
// the period end is unknown.
func GrantKey(subID id.SubscriptionID, periodEnd *time.Time) string {
	if periodEnd == nil {
		return subID.String() + ":first"
	}
	return subID.String() + ":" + strconv.FormatInt(periodEnd.UnixMilli(), 10)
}

// ConsumeKey builds the idempotency key of a consumption request.
func ConsumeKey(userID, requestID string) string {
	return "consume:" + userID + ":" + requestID
}

func lockKey(subID id.SubscriptionID) string {
	return "sub:" + subID.String()
}

func reversalKey(entryID id.CreditEntryID) string {
	return "reversal:" + entryID.String()
}

func ownerLockKey(userID string) string {
	return "owner:" + userID
}

func providerLockKey(providerSubID string) string {
	return "provider:" + providerSubID
}
