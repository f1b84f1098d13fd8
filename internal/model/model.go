// Package model содержит доменные сущности движка скидок программы лояльности.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserStatus описывает мягкий статус участника программы.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusBlocked UserStatus = "blocked"
)

// Gender описывает пол участника, указанный при регистрации.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

// User представляет участника программы лояльности.
type User struct {
	ID           int64      `json:"id"`
	ExternalID   int64      `json:"external_id"`
	Username     string     `json:"username,omitempty"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Gender       Gender     `json:"gender"`
	Birthday     *time.Time `json:"birthday,omitempty"`
	Source       string     `json:"source,omitempty"`
	Tags         []string   `json:"tags"`
	Status       UserStatus `json:"status"`
	IsSubscribed bool       `json:"is_subscribed"`
	IsTest       bool       `json:"is_test"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HasTag сообщает, присвоен ли участнику тег.
func (u *User) HasTag(tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ValueType описывает способ применения величины скидки.
type ValueType string

const (
	ValueTypePercent ValueType = "percent"
	ValueTypeFixed   ValueType = "fixed"
)

// Recurrence описывает правило повторной выдачи скидки по одному шаблону.
// Заполняется ровно одно из полей.
type Recurrence struct {
	Monthly bool `json:"monthly,omitempty"`
	Days    int  `json:"days,omitempty"`
}

// DiscountTemplate описывает конфигурацию класса скидок.
type DiscountTemplate struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Value        decimal.Decimal `json:"value"`
	ValueType    ValueType       `json:"value_type"`
	DurationDays int             `json:"duration_days"`
	Recurrence   *Recurrence     `json:"recurrence,omitempty"`
	IsActive     bool            `json:"is_active"`
}

// DiscountStatus описывает состояние выданной скидки.
type DiscountStatus string

const (
	DiscountStatusActive    DiscountStatus = "active"
	DiscountStatusUsed      DiscountStatus = "used"
	DiscountStatusExpired   DiscountStatus = "expired"
	DiscountStatusCancelled DiscountStatus = "cancelled"
)

// IsTerminal сообщает, что из статуса нет переходов.
func (s DiscountStatus) IsTerminal() bool {
	return s != DiscountStatusActive
}

// Discount описывает один выданный код скидки.
// Value и ValueType копируются из шаблона в момент выдачи.
type Discount struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	UserID          int64           `json:"user_id"`
	TemplateID      int64           `json:"template_id"`
	CampaignID      *int64          `json:"campaign_id,omitempty"`
	Value           decimal.Decimal `json:"value"`
	ValueType       ValueType       `json:"value_type"`
	Status          DiscountStatus  `json:"status"`
	IssuedAt        time.Time       `json:"issued_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	UsedAt          *time.Time      `json:"used_at,omitempty"`
	UsedByCashierID *int64          `json:"used_by_cashier_id,omitempty"`
	IsTest          bool            `json:"is_test"`
}

// Campaign описывает реферальную метку, прикрепляемую к скидке при выдаче.
type Campaign struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Cashier описывает кассира, погашающего скидки.
type Cashier struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// DiscountFilter задаёт выборку скидок из хранилища.
type DiscountFilter struct {
	UserID     *int64
	TemplateID *int64
	Status     *DiscountStatus
	Limit      int
	Offset     int
}

// DiscountUpdate описывает условное изменение скидки.
// Изменение применяется только если текущий статус равен ExpectStatus.
type DiscountUpdate struct {
	ExpectStatus    DiscountStatus
	Status          DiscountStatus
	UsedAt          *time.Time
	UsedByCashierID *int64
}
