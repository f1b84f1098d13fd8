package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/apperr"
	"github.com/mmeshcher/loyalty-engine/internal/codegen"
	"github.com/mmeshcher/loyalty-engine/internal/metrics"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/recurrence"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
	"github.com/mmeshcher/loyalty-engine/internal/validation"
)

const (
	// maxInsertAttempts ограничивает число вставок при гонке за один и тот же код.
	maxInsertAttempts = 3
	// activeDiscountsLimit ограничивает выборку активных скидок участника.
	activeDiscountsLimit = 1000
)

var errInactiveCampaign = errors.New("campaign is inactive")

// IssueDiscount выдаёт участнику скидку по шаблону с учётом правила повторной выдачи.
func (s *Service) IssueDiscount(ctx context.Context, userID, templateID int64, campaignID *int64) (*model.Discount, error) {
	d, err := s.issue(ctx, userID, templateID, campaignID)
	if err != nil {
		metrics.RecordIssueFailure(string(apperr.KindOf(err)))
		return nil, err
	}
	metrics.RecordIssued(templateID)
	return d, nil
}

func (s *Service) issue(ctx context.Context, userID, templateID int64, campaignID *int64) (*model.Discount, error) {
	tmpl, err := s.repo.GetDiscountTemplate(ctx, templateID)
	if err != nil {
		return nil, s.lookupError("get discount template", apperr.ResourceTemplate, err)
	}
	if !tmpl.IsActive {
		return nil, apperr.New(apperr.KindInactiveTemplate, "discount template is inactive")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, apperr.InvalidInput(err)
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, s.lookupError("get user", apperr.ResourceUser, err)
	}

	if campaignID != nil {
		campaign, err := s.repo.GetCampaign(ctx, *campaignID)
		if err != nil {
			return nil, s.lookupError("get campaign", apperr.ResourceCampaign, err)
		}
		if !campaign.IsActive {
			return nil, apperr.InvalidInput(errInactiveCampaign)
		}
	}

	var created *model.Discount
	err = s.repo.WithIssueLock(ctx, userID, templateID, func(ctx context.Context) error {
		history, err := s.repo.ListDiscounts(ctx, model.DiscountFilter{
			UserID:     &userID,
			TemplateID: &templateID,
			Limit:      recurrence.HistoryLimit,
		})
		if err != nil {
			return s.persistenceError("list discount history", err)
		}

		now := s.now()
		if decision := recurrence.Evaluate(now, s.loc, tmpl, history); !decision.Eligible {
			return apperr.RecurrenceNotElapsed(decision.RetryAfter)
		}

		created, err = s.insertDiscount(ctx, &model.Discount{
			UserID:     user.ID,
			TemplateID: tmpl.ID,
			CampaignID: campaignID,
			Value:      tmpl.Value,
			ValueType:  tmpl.ValueType,
			Status:     model.DiscountStatusActive,
			IssuedAt:   now,
			ExpiresAt:  now.Add(time.Duration(tmpl.DurationDays) * 24 * time.Hour),
			IsTest:     user.IsTest,
		})
		return err
	})
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, s.persistenceError("issue discount", err)
	}

	s.logger.Info("discount issued",
		zap.String("code", created.Code),
		zap.Int64("userID", userID),
		zap.Int64("templateID", templateID),
	)
	s.events.Emit(ctx, model.Event{
		Type:       model.EventDiscountIssued,
		Code:       created.Code,
		DiscountID: int64Ptr(created.ID),
		UserID:     int64Ptr(userID),
		TemplateID: int64Ptr(templateID),
		CampaignID: campaignID,
		Message:    fmt.Sprintf("discount %s issued from template %q", created.Code, tmpl.Name),
		IsTest:     created.IsTest,
	})

	return created, nil
}

// insertDiscount генерирует код и сохраняет скидку. Если код заняли между
// проверкой и вставкой, генерирует новый.
func (s *Service) insertDiscount(ctx context.Context, d *model.Discount) (*model.Discount, error) {
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		code, err := s.gen.GenerateCode(ctx)
		if errors.Is(err, codegen.ErrCodeSpaceExhausted) {
			return nil, apperr.New(apperr.KindCodeSpaceExhausted, "failed to generate unique code")
		}
		if err != nil {
			return nil, s.persistenceError("generate code", err)
		}

		d.Code = code
		created, err := s.repo.CreateDiscount(ctx, d)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, repository.ErrCodeTaken) {
			return nil, s.persistenceError("create discount", err)
		}

		metrics.RecordCodeCollision()
		s.logger.Warn("generated code taken on insert", zap.String("code", code), zap.Int("attempt", attempt))
	}

	return nil, apperr.New(apperr.KindCodeSpaceExhausted, "failed to generate unique code")
}

// statusError описывает, почему скидка в данном статусе недействительна.
func statusError(status model.DiscountStatus) error {
	switch status {
	case model.DiscountStatusActive:
		return nil
	case model.DiscountStatusUsed:
		return apperr.New(apperr.KindAlreadyUsed, "discount already used")
	case model.DiscountStatusExpired:
		return apperr.New(apperr.KindExpired, "discount expired")
	case model.DiscountStatusCancelled:
		return apperr.New(apperr.KindCancelled, "discount cancelled")
	default:
		return apperr.New(apperr.KindCancelled, "discount is not active")
	}
}

// ValidateDiscount проверяет код скидки. Просроченная активная скидка
// переводится в статус expired прямо при проверке.
func (s *Service) ValidateDiscount(ctx context.Context, code string) model.ValidationResult {
	code = validation.NormalizeCode(code)
	if !validation.IsValidCode(code) {
		return model.ValidationResult{Err: apperr.NotFound(apperr.ResourceDiscount)}
	}

	d, err := s.repo.GetDiscountByCode(ctx, code)
	if err != nil {
		return model.ValidationResult{Err: s.lookupError("get discount", apperr.ResourceDiscount, err)}
	}

	if err := statusError(d.Status); err != nil {
		return model.ValidationResult{Discount: d, Err: err}
	}

	if s.now().After(d.ExpiresAt) {
		return s.expireLazily(ctx, d)
	}

	user, err := s.repo.GetUser(ctx, d.UserID)
	if err != nil {
		return model.ValidationResult{Discount: d, Err: s.lookupError("get user", apperr.ResourceUser, err)}
	}

	return model.ValidationResult{Valid: true, Discount: d, User: user}
}

func (s *Service) expireLazily(ctx context.Context, d *model.Discount) model.ValidationResult {
	expired, err := s.repo.UpdateDiscount(ctx, d.ID, model.DiscountUpdate{
		ExpectStatus: model.DiscountStatusActive,
		Status:       model.DiscountStatusExpired,
	})
	switch {
	case err == nil:
		metrics.RecordExpired(metrics.ExpiryPathLazy, 1)
		s.events.Emit(ctx, model.Event{
			Type:       model.EventDiscountExpired,
			Code:       expired.Code,
			DiscountID: int64Ptr(expired.ID),
			UserID:     int64Ptr(expired.UserID),
			TemplateID: int64Ptr(expired.TemplateID),
			Message:    "discount expired on validation",
			IsTest:     expired.IsTest,
		})
		return model.ValidationResult{Discount: expired, Err: statusError(expired.Status)}
	case errors.Is(err, repository.ErrConditionFailed):
		// Статус успели сменить параллельно: отдаём актуальный.
		if current, err := s.repo.GetDiscountByCode(ctx, d.Code); err == nil {
			if serr := statusError(current.Status); serr != nil {
				return model.ValidationResult{Discount: current, Err: serr}
			}
		}
		return model.ValidationResult{Discount: d, Err: statusError(model.DiscountStatusExpired)}
	default:
		return model.ValidationResult{Discount: d, Err: s.persistenceError("expire discount", err)}
	}
}

// RedeemDiscount погашает код скидки кассиром. Из параллельных погашений
// одного кода успешно ровно одно. Погасить код может только активный кассир.
func (s *Service) RedeemDiscount(ctx context.Context, code string, cashierID int64) model.RedeemResult {
	if err := s.checkCashier(ctx, cashierID); err != nil {
		s.recordFailedRedemption(ctx, code, cashierID, nil, err)
		return model.RedeemResult{Err: err}
	}

	v := s.ValidateDiscount(ctx, code)
	if !v.Valid {
		s.recordFailedRedemption(ctx, code, cashierID, v.Discount, v.Err)
		return model.RedeemResult{Discount: v.Discount, User: v.User, Err: v.Err}
	}

	now := s.now()
	used, err := s.repo.UpdateDiscount(ctx, v.Discount.ID, model.DiscountUpdate{
		ExpectStatus:    model.DiscountStatusActive,
		Status:          model.DiscountStatusUsed,
		UsedAt:          &now,
		UsedByCashierID: &cashierID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			err = statusError(model.DiscountStatusUsed)
		} else {
			err = s.persistenceError("redeem discount", err)
		}
		s.recordFailedRedemption(ctx, code, cashierID, v.Discount, err)
		return model.RedeemResult{Discount: v.Discount, User: v.User, Err: err}
	}

	metrics.RecordRedemption("success")
	s.logger.Info("discount redeemed",
		zap.String("code", used.Code),
		zap.Int64("cashierID", cashierID),
	)
	s.events.Emit(ctx, model.Event{
		Type:       model.EventDiscountRedeemed,
		Code:       used.Code,
		DiscountID: int64Ptr(used.ID),
		UserID:     int64Ptr(used.UserID),
		CashierID:  int64Ptr(cashierID),
		TemplateID: int64Ptr(used.TemplateID),
		CampaignID: used.CampaignID,
		Message:    fmt.Sprintf("discount %s redeemed by cashier %d", used.Code, cashierID),
		IsTest:     used.IsTest,
	})

	return model.RedeemResult{Success: true, Discount: used, User: v.User}
}

// checkCashier проверяет, что кассир существует и активен.
func (s *Service) checkCashier(ctx context.Context, cashierID int64) error {
	c, err := s.repo.GetCashier(ctx, cashierID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindCashierNotActive, "cashier is not registered")
	}
	if err != nil {
		return s.persistenceError("get cashier", err)
	}
	if !c.IsActive {
		return apperr.New(apperr.KindCashierNotActive, "cashier is not active")
	}
	return nil
}

func (s *Service) recordFailedRedemption(ctx context.Context, code string, cashierID int64, d *model.Discount, err error) {
	reason := failureReason(err)
	metrics.RecordRedemption(reason)

	ev := model.Event{
		Type:      model.EventRedemptionAttempt,
		Code:      model.TruncateText(validation.NormalizeCode(code), model.MaxEventCodeLen),
		CashierID: int64Ptr(cashierID),
		Reason:    reason,
		Message:   err.Error(),
	}
	if d != nil {
		ev.DiscountID = int64Ptr(d.ID)
		ev.UserID = int64Ptr(d.UserID)
		ev.TemplateID = int64Ptr(d.TemplateID)
		ev.IsTest = d.IsTest
	}
	s.events.Emit(ctx, ev)
}

// failureReason возвращает причину отказа для журнала событий и метрик.
func failureReason(err error) string {
	if appErr, ok := apperr.As(err); ok && appErr.Kind == apperr.KindNotFound && appErr.Resource == apperr.ResourceUser {
		return "user_not_found"
	}
	return string(apperr.KindOf(err))
}

// ExpireDiscounts переводит все просроченные активные скидки в статус expired
// и возвращает их число. Повторный вызов ничего не меняет.
func (s *Service) ExpireDiscounts(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireDiscounts(ctx, s.now())
	if err != nil {
		return 0, s.persistenceError("expire discounts", err)
	}

	metrics.RecordExpired(metrics.ExpiryPathSweep, n)
	if n > 0 {
		s.logger.Info("expired discounts", zap.Int64("count", n))
	}
	return n, nil
}

// GetUserActiveDiscounts возвращает активные скидки участника, начиная с последних выданных.
func (s *Service) GetUserActiveDiscounts(ctx context.Context, userID int64) ([]model.Discount, error) {
	status := model.DiscountStatusActive
	res, err := s.repo.ListDiscounts(ctx, model.DiscountFilter{
		UserID: &userID,
		Status: &status,
		Limit:  activeDiscountsLimit,
	})
	if err != nil {
		return nil, s.persistenceError("list active discounts", err)
	}
	return res, nil
}
