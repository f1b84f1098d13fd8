package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordIssued(t *testing.T) {
	before := testutil.ToFloat64(DiscountsIssuedTotal.WithLabelValues("42"))
	RecordIssued(42)

	if got := testutil.ToFloat64(DiscountsIssuedTotal.WithLabelValues("42")); got != before+1 {
		t.Fatalf("issued counter = %v, want %v", got, before+1)
	}
}

func TestRecordExpired(t *testing.T) {
	before := testutil.ToFloat64(DiscountsExpiredTotal.WithLabelValues(ExpiryPathSweep))

	RecordExpired(ExpiryPathSweep, 3)
	RecordExpired(ExpiryPathSweep, 0)

	if got := testutil.ToFloat64(DiscountsExpiredTotal.WithLabelValues(ExpiryPathSweep)); got != before+3 {
		t.Fatalf("expired counter = %v, want %v", got, before+3)
	}
}

func TestRecordRedemption(t *testing.T) {
	before := testutil.ToFloat64(RedemptionsTotal.WithLabelValues("already_used"))
	RecordRedemption("already_used")

	if got := testutil.ToFloat64(RedemptionsTotal.WithLabelValues("already_used")); got != before+1 {
		t.Fatalf("redemptions counter = %v, want %v", got, before+1)
	}
}

func TestRecordCodeCollision(t *testing.T) {
	before := testutil.ToFloat64(CodeCollisionsTotal)
	RecordCodeCollision()

	if got := testutil.ToFloat64(CodeCollisionsTotal); got != before+1 {
		t.Fatalf("collisions counter = %v, want %v", got, before+1)
	}
}

func TestRecordIssueFailureAndAudienceSize(t *testing.T) {
	// Не должно паниковать
	RecordIssueFailure("inactive_template")
	RecordAudienceSize(0)
	RecordAudienceSize(1500)
}
