// Package audience вычисляет целевую аудиторию рассылки по декларативной спецификации.
package audience

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// Criterion описывает один предикат над таблицей участников. Реализации перечислены ниже;
// хранилища разбирают их через type switch.
type Criterion interface {
	criterion()
}

// SubscribedIs отбирает участников по флагу подписки.
type SubscribedIs struct{ Value bool }

// GenderIs отбирает участников указанного пола.
type GenderIs struct{ Gender model.Gender }

// BornOnOrBefore отбирает участников, родившихся не позже Date (возраст не меньше заданного).
type BornOnOrBefore struct{ Date time.Time }

// BornAfter отбирает участников, родившихся строго после Date (возраст не больше заданного).
type BornAfter struct{ Date time.Time }

// HasAllTags отбирает участников, у которых есть каждый из тегов.
type HasAllTags struct{ Tags []string }

// SourceIs отбирает участников по источнику регистрации.
type SourceIs struct{ Source string }

// RegisteredFrom отбирает участников, зарегистрированных не раньше At.
type RegisteredFrom struct{ At time.Time }

// RegisteredUntil отбирает участников, зарегистрированных не позже At.
type RegisteredUntil struct{ At time.Time }

// StatusIs отбирает участников с указанным статусом.
type StatusIs struct{ Status model.UserStatus }

// BirthdayMonthIs отбирает участников, родившихся в указанном месяце.
type BirthdayMonthIs struct{ Month time.Month }

// TestIs отбирает тестовых либо рабочих участников.
type TestIs struct{ Value bool }

func (SubscribedIs) criterion()    {}
func (GenderIs) criterion()        {}
func (BornOnOrBefore) criterion()  {}
func (BornAfter) criterion()       {}
func (HasAllTags) criterion()      {}
func (SourceIs) criterion()        {}
func (RegisteredFrom) criterion()  {}
func (RegisteredUntil) criterion() {}
func (StatusIs) criterion()        {}
func (BirthdayMonthIs) criterion() {}
func (TestIs) criterion()          {}

var (
	errUnknownGender   = errors.New("gender must be male, female or unknown")
	errUnknownStatus   = errors.New("status must be active or blocked")
	errBirthdayMonth   = errors.New("birthday_month must be between 1 and 12")
	errNegativeAge     = errors.New("age bounds must not be negative")
	errAgeRange        = errors.New("age_from must not exceed age_to")
	errEmptyTag        = errors.New("tags must not contain empty values")
	errRegisteredRange = errors.New("registered_after must not be later than registered_before")
)

// Validate проверяет значения спецификации.
func Validate(spec model.AudienceSpec) error {
	if spec.Gender != nil {
		switch *spec.Gender {
		case model.GenderMale, model.GenderFemale, model.GenderUnknown:
		default:
			return errUnknownGender
		}
	}
	if spec.Status != nil {
		switch *spec.Status {
		case model.UserStatusActive, model.UserStatusBlocked:
		default:
			return errUnknownStatus
		}
	}
	if m := spec.BirthdayMonth; m != nil && (*m < 1 || *m > 12) {
		return errBirthdayMonth
	}
	if (spec.AgeFrom != nil && *spec.AgeFrom < 0) || (spec.AgeTo != nil && *spec.AgeTo < 0) {
		return errNegativeAge
	}
	if spec.AgeFrom != nil && spec.AgeTo != nil && *spec.AgeFrom > *spec.AgeTo {
		return errAgeRange
	}
	for _, tag := range spec.Tags {
		if tag == "" {
			return errEmptyTag
		}
	}
	if spec.RegisteredAfter != nil && spec.RegisteredBefore != nil &&
		spec.RegisteredAfter.After(*spec.RegisteredBefore) {
		return errRegisteredRange
	}
	return nil
}

// Criteria переводит спецификацию в список предикатов по таблице участников.
// Поле HasActiveDiscounts сюда не входит: оно проверяется отдельным запросом.
// Границы возраста считаются от календарной даты today.
func Criteria(spec model.AudienceSpec, today time.Time) ([]Criterion, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if spec.All {
		return nil, nil
	}

	var res []Criterion

	if spec.Subscribed != nil {
		res = append(res, SubscribedIs{Value: *spec.Subscribed})
	}
	if spec.Gender != nil {
		res = append(res, GenderIs{Gender: *spec.Gender})
	}
	if spec.AgeFrom != nil {
		res = append(res, BornOnOrBefore{Date: yearsBefore(today, *spec.AgeFrom)})
	}
	if spec.AgeTo != nil {
		res = append(res, BornAfter{Date: yearsBefore(today, *spec.AgeTo)})
	}
	if len(spec.Tags) > 0 {
		tags := make([]string, len(spec.Tags))
		copy(tags, spec.Tags)
		res = append(res, HasAllTags{Tags: tags})
	}
	if spec.Source != nil {
		res = append(res, SourceIs{Source: *spec.Source})
	}
	if spec.RegisteredAfter != nil {
		res = append(res, RegisteredFrom{At: *spec.RegisteredAfter})
	}
	if spec.RegisteredBefore != nil {
		res = append(res, RegisteredUntil{At: *spec.RegisteredBefore})
	}
	if spec.Status != nil {
		res = append(res, StatusIs{Status: *spec.Status})
	}
	if spec.BirthdayMonth != nil {
		res = append(res, BirthdayMonthIs{Month: time.Month(*spec.BirthdayMonth)})
	}
	if spec.IsTest != nil {
		res = append(res, TestIs{Value: *spec.IsTest})
	}

	return res, nil
}

// yearsBefore возвращает дату (полночь UTC) за years лет до календарного дня today.
func yearsBefore(today time.Time, years int) time.Time {
	y, m, d := today.Date()
	return time.Date(y-years, m, d, 0, 0, 0, 0, time.UTC)
}

// Match проверяет участника по списку предикатов в памяти.
// Семантика совпадает с SQL-реализацией хранилища.
func Match(u *model.User, criteria []Criterion) bool {
	for _, c := range criteria {
		if !matchOne(u, c) {
			return false
		}
	}
	return true
}

func matchOne(u *model.User, c Criterion) bool {
	switch c := c.(type) {
	case SubscribedIs:
		return u.IsSubscribed == c.Value
	case GenderIs:
		return u.Gender == c.Gender
	case BornOnOrBefore:
		return u.Birthday != nil && !dateOf(*u.Birthday).After(c.Date)
	case BornAfter:
		return u.Birthday != nil && dateOf(*u.Birthday).After(c.Date)
	case HasAllTags:
		for _, tag := range c.Tags {
			if !u.HasTag(tag) {
				return false
			}
		}
		return true
	case SourceIs:
		return u.Source == c.Source
	case RegisteredFrom:
		return !u.CreatedAt.Before(c.At)
	case RegisteredUntil:
		return !u.CreatedAt.After(c.At)
	case StatusIs:
		return u.Status == c.Status
	case BirthdayMonthIs:
		return u.Birthday != nil && u.Birthday.Month() == c.Month
	case TestIs:
		return u.IsTest == c.Value
	default:
		panic(fmt.Sprintf("audience: unknown criterion %T", c))
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
