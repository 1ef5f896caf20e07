package entitlements

import (
	"strings"
	"time"

	"github.com/sketchflow/billing/app/models"
)

// NormalizeStatus lower-cases and trims a provider status for comparison.
// Provider status vocabulary is free text; we never reject unknown values,
// they just don't entitle anything.
func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// IsEntitledStatus reports whether a status grants paid access right now.
// Only "active" counts; trialing users get credits (see GrantEligible) but
// no page-level entitlement until the trial converts.
func IsEntitledStatus(status string) bool {
	return NormalizeStatus(status) == models.BillingStatusActive
}

// GrantEligible reports whether a subscription status participates in
// periodic credit granting.
func GrantEligible(status string) bool {
	switch NormalizeStatus(status) {
	case models.BillingStatusActive, models.BillingStatusTrialing:
		return true
	default:
		return false
	}
}

// HasEntitlement reports whether any of the given subscriptions entitles
// the user at the given time: status "active" (case-insensitive) and a
// period that is either open-ended or not yet over.
func HasEntitlement(subs []models.Subscription, now time.Time) bool {
	for i := range subs {
		if IsEntitledStatus(subs[i].Status) && subs[i].PeriodValidAt(now) {
			return true
		}
	}
	return false
}
