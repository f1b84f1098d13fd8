package model

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeValue возвращается для шаблона с отрицательной величиной скидки.
	ErrNegativeValue = errors.New("template value must not be negative")
	// ErrPercentOverflow возвращается для процентного шаблона с величиной больше 100.
	ErrPercentOverflow = errors.New("percent template value must not exceed 100")
	// ErrNonPositiveDuration возвращается для шаблона с неположительным сроком действия.
	ErrNonPositiveDuration = errors.New("template duration must be positive")
	// ErrInvalidRecurrence возвращается, если правило повторной выдачи заполнено некорректно.
	ErrInvalidRecurrence = errors.New("recurrence rule must be either monthly or a positive number of days")
)

var hundred = decimal.NewFromInt(100)

// Validate проверяет инварианты шаблона, необходимые для выдачи скидки.
func (t *DiscountTemplate) Validate() error {
	if t.Value.IsNegative() {
		return ErrNegativeValue
	}
	if t.ValueType == ValueTypePercent && t.Value.GreaterThan(hundred) {
		return ErrPercentOverflow
	}
	if t.DurationDays <= 0 {
		return ErrNonPositiveDuration
	}
	if r := t.Recurrence; r != nil {
		if r.Monthly == (r.Days != 0) || r.Days < 0 {
			return ErrInvalidRecurrence
		}
	}
	return nil
}
