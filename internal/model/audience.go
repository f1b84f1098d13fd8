package model

import "time"

// AudienceSpec описывает целевую аудиторию рассылки. Незаполненные поля не фильтруют.
type AudienceSpec struct {
	All                bool        `json:"all,omitempty"`
	Subscribed         *bool       `json:"subscribed,omitempty"`
	Gender             *Gender     `json:"gender,omitempty"`
	AgeFrom            *int        `json:"age_from,omitempty"`
	AgeTo              *int        `json:"age_to,omitempty"`
	Tags               []string    `json:"tags,omitempty"`
	Source             *string     `json:"source,omitempty"`
	HasActiveDiscounts *bool       `json:"has_active_discounts,omitempty"`
	RegisteredAfter    *time.Time  `json:"registered_after,omitempty"`
	RegisteredBefore   *time.Time  `json:"registered_before,omitempty"`
	Status             *UserStatus `json:"status,omitempty"`
	BirthdayMonth      *int        `json:"birthday_month,omitempty"`
	IsTest             *bool       `json:"is_test,omitempty"`
}
