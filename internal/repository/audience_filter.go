package repository

import (
	"fmt"
	"strings"

	"github.com/mmeshcher/loyalty-engine/internal/audience"
)

// buildUserFilter переводит предикаты аудитории в условие WHERE по таблице users.
// Семантика каждого предиката совпадает с audience.Match.
func buildUserFilter(criteria []audience.Criterion) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	for _, c := range criteria {
		switch c := c.(type) {
		case audience.SubscribedIs:
			add("is_subscribed = $%d", c.Value)
		case audience.GenderIs:
			add("gender = $%d", string(c.Gender))
		case audience.BornOnOrBefore:
			add("birthday <= $%d::date", c.Date)
		case audience.BornAfter:
			add("birthday > $%d::date", c.Date)
		case audience.HasAllTags:
			add("tags @> $%d::text[]", c.Tags)
		case audience.SourceIs:
			add("source = $%d", c.Source)
		case audience.RegisteredFrom:
			add("created_at >= $%d", c.At)
		case audience.RegisteredUntil:
			add("created_at <= $%d", c.At)
		case audience.StatusIs:
			add("status = $%d", string(c.Status))
		case audience.BirthdayMonthIs:
			add("EXTRACT(MONTH FROM birthday) = $%d", int(c.Month))
		case audience.TestIs:
			add("is_test = $%d", c.Value)
		default:
			panic(fmt.Sprintf("repository: unsupported audience criterion %T", c))
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
