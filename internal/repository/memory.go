package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/audience"
	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Контракт совпадает с
// PostgresRepository, включая уникальность кодов и условное обновление.
type MemoryRepository struct {
	mu sync.Mutex

	users     map[int64]*model.User
	templates map[int64]*model.DiscountTemplate
	campaigns map[int64]*model.Campaign
	cashiers  map[int64]*model.Cashier
	discounts map[int64]*model.Discount
	codes     map[string]int64
	events    []model.Event

	nextUserID     int64
	nextTemplateID int64
	nextCampaignID int64
	nextCashierID  int64
	nextDiscountID int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[int64]*model.User),
		templates: make(map[int64]*model.DiscountTemplate),
		campaigns: make(map[int64]*model.Campaign),
		cashiers:  make(map[int64]*model.Cashier),
		discounts: make(map[int64]*model.Discount),
		codes:     make(map[string]int64),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Close ничего не делает: ресурсов нет.
func (r *MemoryRepository) Close() error {
	return nil
}

// AddUser добавляет участника и возвращает его с присвоенным идентификатором.
func (r *MemoryRepository) AddUser(u model.User) model.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextUserID++
	u.ID = r.nextUserID
	if u.ExternalID == 0 {
		u.ExternalID = 100000 + u.ID
	}
	if u.Gender == "" {
		u.Gender = model.GenderUnknown
	}
	if u.Status == "" {
		u.Status = model.UserStatusActive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Tags = slices.Clone(u.Tags)

	stored := u
	r.users[u.ID] = &stored
	return u
}

// AddTemplate добавляет шаблон скидки.
func (r *MemoryRepository) AddTemplate(t model.DiscountTemplate) model.DiscountTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextTemplateID++
	t.ID = r.nextTemplateID
	stored := t
	r.templates[t.ID] = &stored
	return t
}

// AddCampaign добавляет кампанию.
func (r *MemoryRepository) AddCampaign(c model.Campaign) model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextCampaignID++
	c.ID = r.nextCampaignID
	stored := c
	r.campaigns[c.ID] = &stored
	return c
}

// AddCashier добавляет кассира. Если ID не задан, он присваивается автоматически.
func (r *MemoryRepository) AddCashier(c model.Cashier) model.Cashier {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == 0 {
		c.ID = r.nextCashierID + 1
	}
	r.nextCashierID = max(r.nextCashierID, c.ID)
	stored := c
	r.cashiers[c.ID] = &stored
	return c
}

// UpdateTemplate заменяет сохранённый шаблон.
func (r *MemoryRepository) UpdateTemplate(t model.DiscountTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := t
	r.templates[t.ID] = &stored
}

// Events возвращает копию журнала событий.
func (r *MemoryRepository) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.events)
}

func copyUser(u *model.User) *model.User {
	c := *u
	c.Tags = slices.Clone(u.Tags)
	return &c
}

func copyDiscount(d *model.Discount) *model.Discount {
	c := *d
	return &c
}

// GetUser возвращает участника по идентификатору.
func (r *MemoryRepository) GetUser(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByExternalID возвращает участника по идентификатору в мессенджере.
func (r *MemoryRepository) GetUserByExternalID(_ context.Context, externalID int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.ExternalID == externalID {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// GetDiscountTemplate возвращает шаблон скидки.
func (r *MemoryRepository) GetDiscountTemplate(_ context.Context, id int64) (*model.DiscountTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// GetCampaign возвращает кампанию.
func (r *MemoryRepository) GetCampaign(_ context.Context, id int64) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	res := *c
	return &res, nil
}

// GetCashier возвращает кассира.
func (r *MemoryRepository) GetCashier(_ context.Context, id int64) (*model.Cashier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cashiers[id]
	if !ok {
		return nil, ErrNotFound
	}
	res := *c
	return &res, nil
}

// GetDiscountByCode возвращает скидку по коду.
func (r *MemoryRepository) GetDiscountByCode(_ context.Context, code string) (*model.Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDiscount(r.discounts[id]), nil
}

// DiscountCodeExists сообщает, выдан ли уже код.
func (r *MemoryRepository) DiscountCodeExists(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.codes[code]
	return ok, nil
}

// CreateDiscount сохраняет новую скидку.
func (r *MemoryRepository) CreateDiscount(_ context.Context, d *model.Discount) (*model.Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codes[d.Code]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCodeTaken, d.Code)
	}
	if _, ok := r.users[d.UserID]; !ok {
		return nil, fmt.Errorf("create discount: user %d: %w", d.UserID, ErrNotFound)
	}
	if _, ok := r.templates[d.TemplateID]; !ok {
		return nil, fmt.Errorf("create discount: template %d: %w", d.TemplateID, ErrNotFound)
	}

	r.nextDiscountID++
	stored := copyDiscount(d)
	stored.ID = r.nextDiscountID
	r.discounts[stored.ID] = stored
	r.codes[stored.Code] = stored.ID

	return copyDiscount(stored), nil
}

// UpdateDiscount применяет условное изменение скидки.
func (r *MemoryRepository) UpdateDiscount(_ context.Context, id int64, upd model.DiscountUpdate) (*model.Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.discounts[id]
	if !ok || d.Status != upd.ExpectStatus {
		return nil, ErrConditionFailed
	}

	d.Status = upd.Status
	if upd.UsedAt != nil {
		at := *upd.UsedAt
		d.UsedAt = &at
	}
	if upd.UsedByCashierID != nil {
		cashierID := *upd.UsedByCashierID
		d.UsedByCashierID = &cashierID
	}

	return copyDiscount(d), nil
}

// ListDiscounts возвращает скидки по фильтру, начиная с последних выданных.
func (r *MemoryRepository) ListDiscounts(_ context.Context, filter model.DiscountFilter) ([]model.Discount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Discount
	for _, d := range r.discounts {
		if filter.UserID != nil && d.UserID != *filter.UserID {
			continue
		}
		if filter.TemplateID != nil && d.TemplateID != *filter.TemplateID {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		res = append(res, *d)
	}

	slices.SortFunc(res, func(a, b model.Discount) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(res) {
			return nil, nil
		}
		res = res[filter.Offset:]
	}
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}

	return res, nil
}

// ExpireDiscounts переводит все просроченные активные скидки в статус expired.
func (r *MemoryRepository) ExpireDiscounts(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, d := range r.discounts {
		if d.Status == model.DiscountStatusActive && !d.ExpiresAt.After(now) {
			d.Status = model.DiscountStatusExpired
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) matchingUsers(criteria []audience.Criterion) []model.User {
	var res []model.User
	for _, u := range r.users {
		if audience.Match(u, criteria) {
			res = append(res, *copyUser(u))
		}
	}
	slices.SortFunc(res, func(a, b model.User) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

// ListUsers возвращает участников, удовлетворяющих всем предикатам.
func (r *MemoryRepository) ListUsers(_ context.Context, criteria []audience.Criterion) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.matchingUsers(criteria), nil
}

// CountUsers возвращает число участников, удовлетворяющих всем предикатам.
func (r *MemoryRepository) CountUsers(_ context.Context, criteria []audience.Criterion) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.matchingUsers(criteria)), nil
}

// CountActiveDiscountsForUsers возвращает число активных скидок по каждому участнику.
func (r *MemoryRepository) CountActiveDiscountsForUsers(_ context.Context, userIDs []int64) (map[int64]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}

	res := make(map[int64]int)
	for _, d := range r.discounts {
		if d.Status == model.DiscountStatusActive && wanted[d.UserID] {
			res[d.UserID]++
		}
	}
	return res, nil
}

// CreateEvent сохраняет запись журнала событий.
func (r *MemoryRepository) CreateEvent(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	return nil
}

// WithIssueLock выполняет fn, удерживая блокировку пары (участник, шаблон).
func (r *MemoryRepository) WithIssueLock(ctx context.Context, userID, templateID int64, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("issue:%d:%d", userID, templateID)

	r.locksMu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	return fn(ctx)
}
