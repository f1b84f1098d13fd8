package audience

import (
	"testing"
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

func ptr[T any](v T) *T { return &v }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    model.AudienceSpec
		wantErr bool
	}{
		{name: "empty spec", spec: model.AudienceSpec{}},
		{name: "all", spec: model.AudienceSpec{All: true}},
		{name: "unknown gender", spec: model.AudienceSpec{Gender: ptr(model.Gender("other"))}, wantErr: true},
		{name: "unknown status", spec: model.AudienceSpec{Status: ptr(model.UserStatus("deleted"))}, wantErr: true},
		{name: "month zero", spec: model.AudienceSpec{BirthdayMonth: ptr(0)}, wantErr: true},
		{name: "month thirteen", spec: model.AudienceSpec{BirthdayMonth: ptr(13)}, wantErr: true},
		{name: "negative age", spec: model.AudienceSpec{AgeFrom: ptr(-1)}, wantErr: true},
		{name: "age range reversed", spec: model.AudienceSpec{AgeFrom: ptr(40), AgeTo: ptr(30)}, wantErr: true},
		{name: "equal ages", spec: model.AudienceSpec{AgeFrom: ptr(30), AgeTo: ptr(30)}},
		{name: "empty tag", spec: model.AudienceSpec{Tags: []string{"vip", ""}}, wantErr: true},
		{
			name: "registered range reversed",
			spec: model.AudienceSpec{
				RegisteredAfter:  date(2025, 2, 1),
				RegisteredBefore: date(2025, 1, 1),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCriteriaAllIgnoresFilters(t *testing.T) {
	spec := model.AudienceSpec{All: true, Subscribed: ptr(true), Tags: []string{"vip"}}

	criteria, err := Criteria(spec, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(criteria) != 0 {
		t.Fatalf("expected no criteria, got %v", criteria)
	}
}

func TestCriteriaAgeCutoffs(t *testing.T) {
	today := time.Date(2025, 6, 15, 23, 30, 0, 0, time.FixedZone("VLAT", 10*3600))
	spec := model.AudienceSpec{AgeFrom: ptr(18), AgeTo: ptr(30)}

	criteria, err := Criteria(spec, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(criteria) != 2 {
		t.Fatalf("expected 2 criteria, got %d", len(criteria))
	}

	from, ok := criteria[0].(BornOnOrBefore)
	if !ok || !from.Date.Equal(*date(2007, 6, 15)) {
		t.Fatalf("unexpected age_from criterion: %#v", criteria[0])
	}
	to, ok := criteria[1].(BornAfter)
	if !ok || !to.Date.Equal(*date(1995, 6, 15)) {
		t.Fatalf("unexpected age_to criterion: %#v", criteria[1])
	}
}

func TestMatch(t *testing.T) {
	today := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	registered := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	user := &model.User{
		ID:           1,
		Gender:       model.GenderFemale,
		Birthday:     date(2000, 5, 20),
		Source:       "instagram",
		Tags:         []string{"vip", "coffee"},
		Status:       model.UserStatusActive,
		IsSubscribed: true,
		CreatedAt:    registered,
	}
	noBirthday := &model.User{ID: 2, Gender: model.GenderUnknown, Status: model.UserStatusActive}

	tests := []struct {
		name string
		user *model.User
		spec model.AudienceSpec
		want bool
	}{
		{name: "no filters", user: user, spec: model.AudienceSpec{}, want: true},
		{name: "subscribed", user: user, spec: model.AudienceSpec{Subscribed: ptr(true)}, want: true},
		{name: "unsubscribed", user: user, spec: model.AudienceSpec{Subscribed: ptr(false)}, want: false},
		{name: "gender", user: user, spec: model.AudienceSpec{Gender: ptr(model.GenderFemale)}, want: true},
		{name: "other gender", user: user, spec: model.AudienceSpec{Gender: ptr(model.GenderMale)}, want: false},
		{name: "all tags present", user: user, spec: model.AudienceSpec{Tags: []string{"vip", "coffee"}}, want: true},
		{name: "missing tag", user: user, spec: model.AudienceSpec{Tags: []string{"vip", "tea"}}, want: false},
		{name: "source", user: user, spec: model.AudienceSpec{Source: ptr("instagram")}, want: true},
		{name: "age in range", user: user, spec: model.AudienceSpec{AgeFrom: ptr(20), AgeTo: ptr(30)}, want: true},
		{name: "too young", user: user, spec: model.AudienceSpec{AgeFrom: ptr(26)}, want: false},
		{name: "too old", user: user, spec: model.AudienceSpec{AgeTo: ptr(24)}, want: false},
		{name: "no birthday with age", user: noBirthday, spec: model.AudienceSpec{AgeFrom: ptr(0)}, want: false},
		{name: "no birthday with month", user: noBirthday, spec: model.AudienceSpec{BirthdayMonth: ptr(5)}, want: false},
		{name: "birthday month", user: user, spec: model.AudienceSpec{BirthdayMonth: ptr(5)}, want: true},
		{name: "registered after", user: user, spec: model.AudienceSpec{RegisteredAfter: &registered}, want: true},
		{name: "registered before", user: user, spec: model.AudienceSpec{RegisteredBefore: date(2025, 1, 1)}, want: false},
		{name: "status", user: user, spec: model.AudienceSpec{Status: ptr(model.UserStatusBlocked)}, want: false},
		{name: "test users only", user: user, spec: model.AudienceSpec{IsTest: ptr(true)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			criteria, err := Criteria(tt.spec, today)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := Match(tt.user, criteria); got != tt.want {
				t.Fatalf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchAgeBoundaryOnBirthday(t *testing.T) {
	today := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	turnsThirtyToday := &model.User{Birthday: date(1995, 6, 15)}

	from, _ := Criteria(model.AudienceSpec{AgeFrom: ptr(30)}, today)
	if !Match(turnsThirtyToday, from) {
		t.Fatal("user turning 30 today must match age_from=30")
	}

	to, _ := Criteria(model.AudienceSpec{AgeTo: ptr(30)}, today)
	if Match(turnsThirtyToday, to) {
		t.Fatal("age_to cutoff is exclusive: user born exactly 30 years ago must not match")
	}
}
