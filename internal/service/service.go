// Package service реализует жизненный цикл скидок программы лояльности:
// выдачу, проверку, погашение и истечение, а также расчёт аудитории рассылок.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/apperr"
	"github.com/mmeshcher/loyalty-engine/internal/audience"
	"github.com/mmeshcher/loyalty-engine/internal/codegen"
	"github.com/mmeshcher/loyalty-engine/internal/metrics"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	audience.Gateway

	Close() error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error)
	GetDiscountTemplate(ctx context.Context, id int64) (*model.DiscountTemplate, error)
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	GetCashier(ctx context.Context, id int64) (*model.Cashier, error)
	GetDiscountByCode(ctx context.Context, code string) (*model.Discount, error)
	DiscountCodeExists(ctx context.Context, code string) (bool, error)
	CreateDiscount(ctx context.Context, d *model.Discount) (*model.Discount, error)
	UpdateDiscount(ctx context.Context, id int64, upd model.DiscountUpdate) (*model.Discount, error)
	ListDiscounts(ctx context.Context, filter model.DiscountFilter) ([]model.Discount, error)
	ExpireDiscounts(ctx context.Context, now time.Time) (int64, error)
	WithIssueLock(ctx context.Context, userID, templateID int64, fn func(ctx context.Context) error) error
}

// EventEmitter принимает записи журнала событий. Emit не должен блокироваться.
type EventEmitter interface {
	Emit(ctx context.Context, ev model.Event)
}

// CodeGenerator генерирует уникальный код скидки.
type CodeGenerator interface {
	GenerateCode(ctx context.Context) (string, error)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, model.Event) {}

// DefaultTimezone задаёт часовой пояс, в котором считаются календарные месяцы и возраст.
const DefaultTimezone = "Asia/Vladivostok"

// Service содержит бизнес-логику движка скидок.
type Service struct {
	repo     Repository
	events   EventEmitter
	gen      CodeGenerator
	audience *audience.Engine
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLocation задаёт часовой пояс для календарных правил.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodeGenerator подменяет генератор кодов.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(s *Service) {
		s.gen = gen
	}
}

// NewService создаёт новый сервис с указанным репозиторием и журналом событий.
func NewService(repo Repository, events EventEmitter, logger *zap.Logger, opts ...Option) *Service {
	if events == nil {
		events = nopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:   repo,
		events: events,
		logger: logger,
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.gen == nil {
		s.gen = codegen.NewGenerator(repo.DiscountCodeExists, codegen.WithCollisionHook(metrics.RecordCodeCollision))
	}
	s.audience = audience.NewEngine(repo, s.loc, s.now)

	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// persistenceError логирует ошибку хранилища и оборачивает её в apperr.
func (s *Service) persistenceError(op string, err error) error {
	s.logger.Error("storage operation failed", zap.String("op", op), zap.Error(err))
	return apperr.Persistence(op, err)
}

// lookupError превращает отсутствие сущности в NotFound, прочее в ошибку хранилища.
func (s *Service) lookupError(op string, resource apperr.Resource, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return s.persistenceError(op, err)
}

// GetUserByExternalID возвращает участника по идентификатору в мессенджере.
func (s *Service) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	u, err := s.repo.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, s.lookupError("get user by external id", apperr.ResourceUser, err)
	}
	return u, nil
}

// CalculateAudience возвращает размер аудитории рассылки.
func (s *Service) CalculateAudience(ctx context.Context, spec model.AudienceSpec) (int, error) {
	n, err := s.audience.Count(ctx, spec)
	if err != nil {
		s.logAudienceError(err)
		return 0, err
	}
	return n, nil
}

// ResolveAudience возвращает участников, попадающих в аудиторию рассылки.
func (s *Service) ResolveAudience(ctx context.Context, spec model.AudienceSpec) ([]model.User, error) {
	users, err := s.audience.Resolve(ctx, spec)
	if err != nil {
		s.logAudienceError(err)
		return nil, err
	}
	metrics.RecordAudienceSize(len(users))
	return users, nil
}

func (s *Service) logAudienceError(err error) {
	if apperr.KindOf(err) == apperr.KindPersistenceFailure {
		s.logger.Error("audience calculation failed", zap.Error(err))
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
