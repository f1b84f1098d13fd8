// Package handler содержит HTTP-обработчики API движка скидок.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/apperr"
	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IssueDiscount(ctx context.Context, userID, templateID int64, campaignID *int64) (*model.Discount, error)
	ValidateDiscount(ctx context.Context, code string) model.ValidationResult
	RedeemDiscount(ctx context.Context, code string, cashierID int64) model.RedeemResult
	ExpireDiscounts(ctx context.Context) (int64, error)
	GetUserActiveDiscounts(ctx context.Context, userID int64) ([]model.Discount, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error)
	CalculateAudience(ctx context.Context, spec model.AudienceSpec) (int, error)
	ResolveAudience(ctx context.Context, spec model.AudienceSpec) ([]model.User, error)
}

// Handler реализует HTTP-обработчики API движка скидок.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

var (
	errMissingIDs       = errors.New("user_id and template_id must be positive")
	errMissingCashierID = errors.New("cashier_id must be positive")
	errBadPathID        = errors.New("identifier in path must be an integer")
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type retryDetails struct {
	RetryAfterSeconds int64 `json:"retry_after_seconds"`
}

// statusFor сопоставляет категории ошибок HTTP-статусам.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInactiveTemplate, apperr.KindRecurrenceNotElapsed, apperr.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case apperr.KindAlreadyUsed, apperr.KindCancelled:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindCashierNotActive:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func toErrorResponse(err error) *errorResponse {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Persistence("request", err)
	}

	resp := &errorResponse{
		Code:    appErr.Code(),
		Message: appErr.Message,
	}
	switch appErr.Kind {
	case apperr.KindRecurrenceNotElapsed:
		resp.Details = retryDetails{RetryAfterSeconds: retryAfterSeconds(appErr)}
	case apperr.KindInvalidInput:
		if appErr.Err != nil {
			resp.Details = appErr.Err.Error()
		}
	case apperr.KindPersistenceFailure:
		// Подробности ошибок хранилища наружу не отдаём.
		resp.Message = "internal error"
	}
	return resp
}

func retryAfterSeconds(appErr *apperr.Error) int64 {
	secs := int64(appErr.RetryAfter.Seconds())
	if appErr.RetryAfter > 0 && float64(secs) < appErr.RetryAfter.Seconds() {
		secs++
	}
	return secs
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if appErr, ok := apperr.As(err); ok && appErr.Kind == apperr.KindRecurrenceNotElapsed {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(appErr), 10))
	}
	h.writeJSON(w, statusFor(kind), toErrorResponse(err))
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, err error) {
	h.writeJSON(w, http.StatusBadRequest, &errorResponse{
		Code:    apperr.InvalidInput(err).Code(),
		Message: "malformed request",
		Details: err.Error(),
	})
}

// pathCode возвращает код скидки из пути. chi отдаёт параметр в исходной
// форме, если клиент закодировал путь не в каноническом виде (%d0%90).
func pathCode(r *http.Request) string {
	raw := chi.URLParam(r, "code")
	code, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return code
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, errBadPathID
	}
	return id, nil
}

type issueRequest struct {
	UserID     int64  `json:"user_id"`
	TemplateID int64  `json:"template_id"`
	CampaignID *int64 `json:"campaign_id,omitempty"`
}

// IssueDiscount выдаёт скидку участнику по шаблону.
func (h *Handler) IssueDiscount(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, err)
		return
	}
	if req.UserID <= 0 || req.TemplateID <= 0 {
		h.writeBadRequest(w, errMissingIDs)
		return
	}

	d, err := h.service.IssueDiscount(r.Context(), req.UserID, req.TemplateID, req.CampaignID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, d)
}

type validateResponse struct {
	Valid    bool            `json:"valid"`
	Discount *model.Discount `json:"discount,omitempty"`
	User     *model.User     `json:"user,omitempty"`
	Error    *errorResponse  `json:"error,omitempty"`
}

// ValidateDiscount проверяет код скидки. Недействительный код это штатный
// результат с флагом valid=false; 500 только при сбое хранилища.
func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	res := h.service.ValidateDiscount(r.Context(), pathCode(r))

	status := http.StatusOK
	resp := validateResponse{
		Valid:    res.Valid,
		Discount: res.Discount,
		User:     res.User,
	}
	if res.Err != nil {
		resp.Error = toErrorResponse(res.Err)
		if apperr.KindOf(res.Err) == apperr.KindPersistenceFailure {
			status = http.StatusInternalServerError
		}
	}

	h.writeJSON(w, status, resp)
}

type redeemRequest struct {
	CashierID int64 `json:"cashier_id"`
}

type redeemResponse struct {
	Success  bool            `json:"success"`
	Discount *model.Discount `json:"discount,omitempty"`
	User     *model.User     `json:"user,omitempty"`
	Error    *errorResponse  `json:"error,omitempty"`
}

// RedeemDiscount погашает код скидки.
func (h *Handler) RedeemDiscount(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, err)
		return
	}
	if req.CashierID <= 0 {
		h.writeBadRequest(w, errMissingCashierID)
		return
	}

	res := h.service.RedeemDiscount(r.Context(), pathCode(r), req.CashierID)
	if res.Success {
		h.writeJSON(w, http.StatusOK, redeemResponse{
			Success:  true,
			Discount: res.Discount,
			User:     res.User,
		})
		return
	}

	h.writeJSON(w, statusFor(apperr.KindOf(res.Err)), redeemResponse{
		Discount: res.Discount,
		User:     res.User,
		Error:    toErrorResponse(res.Err),
	})
}

type expireResponse struct {
	Expired int64 `json:"expired"`
}

// ExpireDiscounts переводит просроченные скидки в статус expired.
func (h *Handler) ExpireDiscounts(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ExpireDiscounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, expireResponse{Expired: n})
}

// GetUserDiscounts возвращает активные скидки участника.
func (h *Handler) GetUserDiscounts(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.writeBadRequest(w, err)
		return
	}

	discounts, err := h.service.GetUserActiveDiscounts(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(discounts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, discounts)
}

// GetUserByExternalID возвращает участника по идентификатору в мессенджере.
func (h *Handler) GetUserByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID, err := pathID(r, "externalID")
	if err != nil {
		h.writeBadRequest(w, err)
		return
	}

	u, err := h.service.GetUserByExternalID(r.Context(), externalID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, u)
}

type audienceResponse struct {
	Count int          `json:"count"`
	Users []model.User `json:"users,omitempty"`
}

// CountAudience возвращает размер аудитории рассылки.
func (h *Handler) CountAudience(w http.ResponseWriter, r *http.Request) {
	var spec model.AudienceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeBadRequest(w, err)
		return
	}

	n, err := h.service.CalculateAudience(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, audienceResponse{Count: n})
}

// ResolveAudience возвращает участников аудитории рассылки.
func (h *Handler) ResolveAudience(w http.ResponseWriter, r *http.Request) {
	var spec model.AudienceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeBadRequest(w, err)
		return
	}

	users, err := h.service.ResolveAudience(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, audienceResponse{Count: len(users), Users: users})
}
