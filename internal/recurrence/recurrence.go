// Package recurrence решает, можно ли выдать участнику очередную скидку по шаблону.
package recurrence

import (
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// HistoryLimit ограничивает число последних скидок участника, загружаемых для проверки.
const HistoryLimit = 1000

// Decision описывает итог проверки правила повторной выдачи.
type Decision struct {
	Eligible   bool
	RetryAfter time.Duration
}

// Evaluate проверяет правило шаблона по истории выдач участника.
// history должна содержать только скидки этого шаблона. Календарный месяц
// определяется в часовом поясе loc.
func Evaluate(now time.Time, loc *time.Location, tmpl *model.DiscountTemplate, history []model.Discount) Decision {
	rule := tmpl.Recurrence
	if rule == nil || len(history) == 0 {
		return Decision{Eligible: true}
	}
	if loc == nil {
		loc = time.UTC
	}

	switch {
	case rule.Monthly:
		return evaluateMonthly(now.In(loc), loc, history)
	case rule.Days > 0:
		return evaluateDays(now, rule.Days, history)
	default:
		return Decision{Eligible: true}
	}
}

func evaluateMonthly(now time.Time, loc *time.Location, history []model.Discount) Decision {
	year, month, _ := now.Date()
	for _, d := range history {
		y, m, _ := d.IssuedAt.In(loc).Date()
		if y == year && m == month {
			nextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
			return Decision{RetryAfter: nextMonth.Sub(now)}
		}
	}
	return Decision{Eligible: true}
}

func evaluateDays(now time.Time, days int, history []model.Discount) Decision {
	latest := history[0].IssuedAt
	for _, d := range history[1:] {
		if d.IssuedAt.After(latest) {
			latest = d.IssuedAt
		}
	}

	period := time.Duration(days) * 24 * time.Hour
	elapsed := now.Sub(latest)
	if elapsed < period {
		return Decision{RetryAfter: period - elapsed}
	}
	return Decision{Eligible: true}
}
