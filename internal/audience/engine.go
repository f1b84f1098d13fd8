package audience

import (
	"context"
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/apperr"
	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// activeLookupBatch ограничивает число идентификаторов в одном запросе активных скидок.
const activeLookupBatch = 1000

// Gateway описывает доступ к хранилищу, необходимый для расчёта аудитории.
type Gateway interface {
	ListUsers(ctx context.Context, criteria []Criterion) ([]model.User, error)
	CountUsers(ctx context.Context, criteria []Criterion) (int, error)
	CountActiveDiscountsForUsers(ctx context.Context, userIDs []int64) (map[int64]int, error)
}

// Engine рассчитывает размер и состав аудитории.
type Engine struct {
	gateway Gateway
	loc     *time.Location
	now     func() time.Time
}

// NewEngine создаёт движок аудитории; возраст считается по календарю пояса loc.
func NewEngine(gateway Gateway, loc *time.Location, now func() time.Time) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		gateway: gateway,
		loc:     loc,
		now:     now,
	}
}

// Count возвращает число участников, подходящих под спецификацию.
func (e *Engine) Count(ctx context.Context, spec model.AudienceSpec) (int, error) {
	criteria, err := e.criteria(spec)
	if err != nil {
		return 0, err
	}

	if spec.All || spec.HasActiveDiscounts == nil {
		n, err := e.gateway.CountUsers(ctx, criteria)
		if err != nil {
			return 0, apperr.Persistence("count users", err)
		}
		return n, nil
	}

	users, err := e.resolve(ctx, spec, criteria)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Resolve возвращает участников, подходящих под спецификацию.
func (e *Engine) Resolve(ctx context.Context, spec model.AudienceSpec) ([]model.User, error) {
	criteria, err := e.criteria(spec)
	if err != nil {
		return nil, err
	}
	return e.resolve(ctx, spec, criteria)
}

func (e *Engine) criteria(spec model.AudienceSpec) ([]Criterion, error) {
	criteria, err := Criteria(spec, e.now().In(e.loc))
	if err != nil {
		return nil, apperr.InvalidInput(err)
	}
	return criteria, nil
}

func (e *Engine) resolve(ctx context.Context, spec model.AudienceSpec, criteria []Criterion) ([]model.User, error) {
	users, err := e.gateway.ListUsers(ctx, criteria)
	if err != nil {
		return nil, apperr.Persistence("list users", err)
	}

	if spec.All || spec.HasActiveDiscounts == nil || len(users) == 0 {
		return users, nil
	}

	ids := make([]int64, len(users))
	for i := range users {
		ids[i] = users[i].ID
	}

	withActive := make(map[int64]bool, len(ids))
	for start := 0; start < len(ids); start += activeLookupBatch {
		end := min(start+activeLookupBatch, len(ids))
		counts, err := e.gateway.CountActiveDiscountsForUsers(ctx, ids[start:end])
		if err != nil {
			return nil, apperr.Persistence("count active discounts", err)
		}
		for id, n := range counts {
			if n > 0 {
				withActive[id] = true
			}
		}
	}

	want := *spec.HasActiveDiscounts
	res := users[:0]
	for _, u := range users {
		if withActive[u.ID] == want {
			res = append(res, u)
		}
	}
	return res, nil
}
