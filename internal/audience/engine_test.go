package audience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/loyalty-engine/internal/apperr"
	"github.com/mmeshcher/loyalty-engine/internal/audience"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

func ptr[T any](v T) *T { return &v }

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func birthday(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// seedAudience заполняет хранилище набором участников с разными признаками.
func seedAudience(t *testing.T) *repository.MemoryRepository {
	t.Helper()

	repo := repository.NewMemoryRepository()
	users := []model.User{
		{DisplayName: "vip subscribed", IsSubscribed: true, Tags: []string{"vip"}, Gender: model.GenderFemale, Birthday: birthday(1990, 3, 1), Source: "instagram"},
		{DisplayName: "vip unsubscribed", IsSubscribed: false, Tags: []string{"vip"}, Gender: model.GenderMale, Birthday: birthday(2001, 7, 9)},
		{DisplayName: "subscribed plain", IsSubscribed: true, Gender: model.GenderMale, Birthday: birthday(1985, 12, 31), Source: "flyer"},
		{DisplayName: "no birthday", IsSubscribed: true, Tags: []string{"vip", "coffee"}},
		{DisplayName: "blocked", IsSubscribed: true, Status: model.UserStatusBlocked, Birthday: birthday(1999, 3, 15)},
		{DisplayName: "tester", IsSubscribed: true, IsTest: true, Tags: []string{"vip"}},
	}
	for _, u := range users {
		repo.AddUser(u)
	}

	tmpl := repo.AddTemplate(model.DiscountTemplate{Name: "welcome", DurationDays: 30, IsActive: true})
	_, err := repo.CreateDiscount(context.Background(), &model.Discount{
		Code:       "АБВ0001",
		UserID:     1,
		TemplateID: tmpl.ID,
		Status:     model.DiscountStatusActive,
		IssuedAt:   fixedNow,
		ExpiresAt:  fixedNow.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	return repo
}

func newEngine(repo audience.Gateway) *audience.Engine {
	return audience.NewEngine(repo, time.UTC, func() time.Time { return fixedNow })
}

func TestEngine_SubscribedVIP(t *testing.T) {
	repo := seedAudience(t)
	engine := newEngine(repo)
	spec := model.AudienceSpec{Subscribed: ptr(true), Tags: []string{"vip"}}

	n, err := engine.Count(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	users, err := engine.Resolve(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, int64(1), users[0].ID)
	assert.Equal(t, int64(4), users[1].ID)
	assert.Equal(t, int64(6), users[2].ID)
}

func TestEngine_CountMatchesResolve(t *testing.T) {
	repo := seedAudience(t)
	engine := newEngine(repo)

	specs := map[string]model.AudienceSpec{
		"empty":              {},
		"all":                {All: true},
		"all with filters":   {All: true, Subscribed: ptr(false), HasActiveDiscounts: ptr(true)},
		"female":             {Gender: ptr(model.GenderFemale)},
		"adults 25-35":       {AgeFrom: ptr(25), AgeTo: ptr(35)},
		"born in march":      {BirthdayMonth: ptr(3)},
		"with active":        {HasActiveDiscounts: ptr(true)},
		"without active":     {HasActiveDiscounts: ptr(false)},
		"source":             {Source: ptr("flyer")},
		"active non-test":    {Status: ptr(model.UserStatusActive), IsTest: ptr(false)},
		"vip without active": {Tags: []string{"vip"}, HasActiveDiscounts: ptr(false)},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			n, err := engine.Count(context.Background(), spec)
			require.NoError(t, err)

			users, err := engine.Resolve(context.Background(), spec)
			require.NoError(t, err)

			assert.Equal(t, len(users), n)
		})
	}
}

func TestEngine_HasActiveDiscounts(t *testing.T) {
	repo := seedAudience(t)
	engine := newEngine(repo)

	with, err := engine.Resolve(context.Background(), model.AudienceSpec{HasActiveDiscounts: ptr(true)})
	require.NoError(t, err)
	require.Len(t, with, 1)
	assert.Equal(t, int64(1), with[0].ID)

	without, err := engine.Count(context.Background(), model.AudienceSpec{HasActiveDiscounts: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, 5, without)
}

func TestEngine_AllBypassesFilters(t *testing.T) {
	repo := seedAudience(t)
	engine := newEngine(repo)

	n, err := engine.Count(context.Background(), model.AudienceSpec{All: true, HasActiveDiscounts: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestEngine_InvalidSpec(t *testing.T) {
	engine := newEngine(seedAudience(t))

	_, err := engine.Count(context.Background(), model.AudienceSpec{AgeFrom: ptr(40), AgeTo: ptr(20)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = engine.Resolve(context.Background(), model.AudienceSpec{BirthdayMonth: ptr(13)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

type failingGateway struct{}

func (failingGateway) ListUsers(context.Context, []audience.Criterion) ([]model.User, error) {
	return nil, errors.New("db down")
}

func (failingGateway) CountUsers(context.Context, []audience.Criterion) (int, error) {
	return 0, errors.New("db down")
}

func (failingGateway) CountActiveDiscountsForUsers(context.Context, []int64) (map[int64]int, error) {
	return nil, errors.New("db down")
}

func TestEngine_GatewayFailure(t *testing.T) {
	engine := newEngine(failingGateway{})

	_, err := engine.Count(context.Background(), model.AudienceSpec{})
	assert.ErrorIs(t, err, apperr.ErrPersistenceFailure)

	_, err = engine.Resolve(context.Background(), model.AudienceSpec{})
	assert.ErrorIs(t, err, apperr.ErrPersistenceFailure)
}
