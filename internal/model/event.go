package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// EventType описывает тип записи журнала событий.
type EventType string

const (
	EventDiscountIssued    EventType = "discount_issued"
	EventDiscountRedeemed  EventType = "discount_redeemed"
	EventRedemptionAttempt EventType = "redemption_attempt"
	EventDiscountExpired   EventType = "discount_expired"
)

const (
	// MaxEventMessageLen ограничивает длину сообщения события в символах.
	MaxEventMessageLen = 512
	// MaxEventCodeLen ограничивает длину кода в записи журнала в символах.
	MaxEventCodeLen = 32
)

// TruncateText заменяет некорректные байты UTF-8 на U+FFFD и обрезает строку
// до limit символов.
func TruncateText(s string, limit int) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// Event описывает запись журнала событий движка скидок.
type Event struct {
	Type       EventType
	Code       string
	DiscountID *int64
	UserID     *int64
	CashierID  *int64
	TemplateID *int64
	CampaignID *int64
	Reason     string
	Message    string
	IsTest     bool
	CreatedAt  time.Time
}

// ValidationResult описывает итог проверки кода скидки.
// Discount заполняется и для недействительного кода, если он найден.
type ValidationResult struct {
	Valid    bool
	Discount *Discount
	User     *User
	Err      error
}

// RedeemResult описывает итог погашения кода скидки.
type RedeemResult struct {
	Success  bool
	Discount *Discount
	User     *User
	Err      error
}
