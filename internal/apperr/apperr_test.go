package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code string
	}{
		{name: "discount not found", err: NotFound(ResourceDiscount), code: "CODE_NOT_FOUND"},
		{name: "user not found", err: NotFound(ResourceUser), code: "USER_NOT_FOUND"},
		{name: "template not found", err: NotFound(ResourceTemplate), code: "TEMPLATE_NOT_FOUND"},
		{name: "campaign not found", err: NotFound(ResourceCampaign), code: "CAMPAIGN_NOT_FOUND"},
		{name: "inactive template", err: New(KindInactiveTemplate, ""), code: "TEMPLATE_INACTIVE"},
		{name: "recurrence", err: RecurrenceNotElapsed(time.Hour), code: "RECURRENCE_NOT_REACHED"},
		{name: "already used", err: New(KindAlreadyUsed, ""), code: "CODE_ALREADY_USED"},
		{name: "expired", err: New(KindExpired, ""), code: "CODE_EXPIRED"},
		{name: "cancelled", err: New(KindCancelled, ""), code: "CODE_CANCELLED"},
		{name: "cashier not active", err: New(KindCashierNotActive, ""), code: "CASHIER_NOT_ACTIVE"},
		{name: "exhausted", err: New(KindCodeSpaceExhausted, ""), code: "CODE_SPACE_EXHAUSTED"},
		{name: "invalid input", err: InvalidInput(errors.New("bad")), code: "VALIDATION_ERROR"},
		{name: "persistence", err: Persistence("get user", errors.New("boom")), code: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code())
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("redeem: %w", New(KindAlreadyUsed, "already used"))

	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.NotErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindAlreadyUsed, KindOf(err))
}

func TestPersistenceUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence("create discount", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Contains(t, err.Error(), "create discount failed")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindPersistenceFailure, KindOf(errors.New("raw")))
}

func TestRecurrenceNotElapsedCarriesWait(t *testing.T) {
	err := RecurrenceNotElapsed(36 * time.Hour)

	appErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, 36*time.Hour, appErr.RetryAfter)
	assert.Equal(t, "discount can be issued again in 2 days", appErr.Message)
}

func TestHumanizeWait(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "0 minutes"},
		{in: 30 * time.Second, want: "1 minute"},
		{in: 90 * time.Minute, want: "2 hours"},
		{in: 24 * time.Hour, want: "1 day"},
		{in: 29*24*time.Hour + time.Minute, want: "30 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, HumanizeWait(tt.in))
		})
	}
}
