// Package apperr описывает типизированные ошибки движка скидок и их машинные коды.
package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind описывает категорию ошибки.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInactiveTemplate     Kind = "inactive_template"
	KindRecurrenceNotElapsed Kind = "recurrence_not_elapsed"
	KindAlreadyUsed          Kind = "already_used"
	KindExpired              Kind = "expired"
	KindCancelled            Kind = "cancelled"
	KindCashierNotActive     Kind = "cashier_not_active"
	KindCodeSpaceExhausted   Kind = "code_space_exhausted"
	KindInvalidInput         Kind = "invalid_input"
	KindPersistenceFailure   Kind = "persistence_failure"
)

// Resource уточняет, какая сущность не найдена.
type Resource string

const (
	ResourceDiscount Resource = "discount"
	ResourceUser     Resource = "user"
	ResourceTemplate Resource = "template"
	ResourceCampaign Resource = "campaign"
)

// Базовые ошибки для сравнения через errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInactiveTemplate     = errors.New("template is inactive")
	ErrRecurrenceNotElapsed = errors.New("recurrence period not elapsed")
	ErrAlreadyUsed          = errors.New("discount already used")
	ErrExpired              = errors.New("discount expired")
	ErrCancelled            = errors.New("discount cancelled")
	ErrCashierNotActive     = errors.New("cashier is not active")
	ErrCodeSpaceExhausted   = errors.New("failed to generate unique code")
	ErrInvalidInput         = errors.New("invalid input")
	ErrPersistenceFailure   = errors.New("persistence failure")
)

var kindSentinels = map[Kind]error{
	KindNotFound:             ErrNotFound,
	KindInactiveTemplate:     ErrInactiveTemplate,
	KindRecurrenceNotElapsed: ErrRecurrenceNotElapsed,
	KindAlreadyUsed:          ErrAlreadyUsed,
	KindExpired:              ErrExpired,
	KindCancelled:            ErrCancelled,
	KindCashierNotActive:     ErrCashierNotActive,
	KindCodeSpaceExhausted:   ErrCodeSpaceExhausted,
	KindInvalidInput:         ErrInvalidInput,
	KindPersistenceFailure:   ErrPersistenceFailure,
}

// Error описывает структурированную ошибку операций движка скидок.
type Error struct {
	Kind       Kind
	Resource   Resource
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать ошибку с базовыми ошибками пакета.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return false
}

// Code возвращает стабильный машиночитаемый код ошибки.
func (e *Error) Code() string {
	switch e.Kind {
	case KindNotFound:
		switch e.Resource {
		case ResourceUser:
			return "USER_NOT_FOUND"
		case ResourceTemplate:
			return "TEMPLATE_NOT_FOUND"
		case ResourceCampaign:
			return "CAMPAIGN_NOT_FOUND"
		default:
			return "CODE_NOT_FOUND"
		}
	case KindInactiveTemplate:
		return "TEMPLATE_INACTIVE"
	case KindRecurrenceNotElapsed:
		return "RECURRENCE_NOT_REACHED"
	case KindAlreadyUsed:
		return "CODE_ALREADY_USED"
	case KindExpired:
		return "CODE_EXPIRED"
	case KindCancelled:
		return "CODE_CANCELLED"
	case KindCashierNotActive:
		return "CASHIER_NOT_ACTIVE"
	case KindCodeSpaceExhausted:
		return "CODE_SPACE_EXHAUSTED"
	case KindInvalidInput:
		return "VALIDATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// New создаёт ошибку указанной категории.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NotFound создаёт ошибку отсутствующей сущности.
func NotFound(resource Resource) *Error {
	return &Error{
		Kind:     KindNotFound,
		Resource: resource,
		Message:  string(resource) + " not found",
	}
}

// RecurrenceNotElapsed создаёт ошибку с оставшимся временем ожидания.
func RecurrenceNotElapsed(wait time.Duration) *Error {
	return &Error{
		Kind:       KindRecurrenceNotElapsed,
		Message:    "discount can be issued again in " + HumanizeWait(wait),
		RetryAfter: wait,
	}
}

// InvalidInput создаёт ошибку некорректных входных данных.
func InvalidInput(err error) *Error {
	return &Error{Kind: KindInvalidInput, Message: "invalid input", Err: err}
}

// Persistence оборачивает ошибку хранилища.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistenceFailure, Message: op + " failed", Err: err}
}

// As извлекает *Error из цепочки ошибок.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf возвращает категорию ошибки; для посторонних ошибок persistence_failure.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindPersistenceFailure
}

// HumanizeWait форматирует оставшееся время ожидания с округлением вверх.
func HumanizeWait(d time.Duration) string {
	if d <= 0 {
		return "0 minutes"
	}
	if d >= 24*time.Hour {
		days := int(math.Ceil(d.Hours() / 24))
		return plural(days, "day")
	}
	if d >= time.Hour {
		return plural(int(math.Ceil(d.Hours())), "hour")
	}
	return plural(int(math.Ceil(d.Minutes())), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
