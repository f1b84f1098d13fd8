// Package repository содержит реализации хранилища движка скидок.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/loyalty-engine/internal/audience"
	"github.com/mmeshcher/loyalty-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound возвращается, если запрошенная сущность отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrCodeTaken возвращается при вставке скидки с уже существующим кодом.
	ErrCodeTaken = errors.New("discount code already taken")
	// ErrConditionFailed возвращается, если условное обновление не затронуло ни одной строки.
	ErrConditionFailed = errors.New("conditional update matched no rows")
)

const (
	userColumns = `id, external_id, username, first_name, last_name, display_name, gender,
		birthday, source, tags, status, is_subscribed, is_test, created_at`
	templateColumns = `id, name, value, value_type, duration_days, recurrence, is_active`
	discountColumns = `id, code, user_id, template_id, campaign_id, value, value_type, status,
		issued_at, expires_at, used_at, used_by_cashier_id, is_test`
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// withRetry повторяет fn только для ошибок, после которых запрос гарантированно
// не был применён. Внутри транзакции повторов нет: она уже прервана.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn()
	}

	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}

	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	// Обрыв соединения после отправки запроса не повторяем: запись могла
	// зафиксироваться.
	return pgconn.SafeToRetry(err)
}

// querier покрывает общие методы пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// db возвращает транзакцию из ctx, если она есть, иначе пул.
func (r *PostgresRepository) db(ctx context.Context) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return r.pool
}

// inSavepoint выполняет fn в точке сохранения текущей транзакции, чтобы ошибка
// запроса не прерывала всю транзакцию. Вне транзакции fn работает с пулом.
func (r *PostgresRepository) inSavepoint(ctx context.Context, fn func(q querier) error) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return fn(r.pool)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u      model.User
		gender string
		status string
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.FirstName, &u.LastName, &u.DisplayName,
		&gender, &u.Birthday, &u.Source, &u.Tags, &status, &u.IsSubscribed, &u.IsTest, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Gender = model.Gender(gender)
	u.Status = model.UserStatus(status)
	return &u, nil
}

func scanDiscount(row rowScanner) (*model.Discount, error) {
	var (
		d         model.Discount
		valueType string
		status    string
	)
	err := row.Scan(&d.ID, &d.Code, &d.UserID, &d.TemplateID, &d.CampaignID, &d.Value, &valueType,
		&status, &d.IssuedAt, &d.ExpiresAt, &d.UsedAt, &d.UsedByCashierID, &d.IsTest)
	if err != nil {
		return nil, err
	}
	d.ValueType = model.ValueType(valueType)
	d.Status = model.DiscountStatus(status)
	return &d, nil
}

// GetUser возвращает участника по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.db(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByExternalID возвращает участника по идентификатору в мессенджере.
func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	u, err := scanUser(r.db(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by external id: %w", err)
	}
	return u, nil
}

// GetDiscountTemplate возвращает шаблон скидки.
func (r *PostgresRepository) GetDiscountTemplate(ctx context.Context, id int64) (*model.DiscountTemplate, error) {
	var (
		t         model.DiscountTemplate
		valueType string
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT `+templateColumns+` FROM discount_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Value, &valueType, &t.DurationDays, &t.Recurrence, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.ValueType = model.ValueType(valueType)
	return &t, nil
}

// GetCampaign возвращает кампанию.
func (r *PostgresRepository) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db(ctx).QueryRow(ctx,
		`SELECT id, code, name, is_active FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.Code, &c.Name, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

// GetCashier возвращает кассира.
func (r *PostgresRepository) GetCashier(ctx context.Context, id int64) (*model.Cashier, error) {
	var c model.Cashier
	err := r.db(ctx).QueryRow(ctx,
		`SELECT id, name, is_active FROM cashiers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cashier: %w", err)
	}
	return &c, nil
}

// GetDiscountByCode возвращает скидку по коду.
func (r *PostgresRepository) GetDiscountByCode(ctx context.Context, code string) (*model.Discount, error) {
	d, err := scanDiscount(r.db(ctx).QueryRow(ctx,
		`SELECT `+discountColumns+` FROM discounts WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get discount: %w", err)
	}
	return d, nil
}

// DiscountCodeExists сообщает, выдан ли уже код.
func (r *PostgresRepository) DiscountCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM discounts WHERE code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return exists, nil
}

// CreateDiscount сохраняет новую скидку. Уникальность кода обеспечивает индекс.
func (r *PostgresRepository) CreateDiscount(ctx context.Context, d *model.Discount) (*model.Discount, error) {
	var created *model.Discount
	err := r.withRetry(ctx, func() error {
		return r.inSavepoint(ctx, func(q querier) error {
			var err error
			created, err = scanDiscount(q.QueryRow(ctx,
				`INSERT INTO discounts (code, user_id, template_id, campaign_id, value, value_type,
					status, issued_at, expires_at, is_test)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 RETURNING `+discountColumns,
				d.Code, d.UserID, d.TemplateID, d.CampaignID, d.Value, string(d.ValueType),
				string(d.Status), d.IssuedAt, d.ExpiresAt, d.IsTest,
			))
			return err
		})
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrCodeTaken, d.Code)
		}
		return nil, fmt.Errorf("create discount: %w", err)
	}
	return created, nil
}

// UpdateDiscount применяет условное изменение: строка обновляется только если её статус
// равен upd.ExpectStatus. Если ни одна строка не подошла, возвращается ErrConditionFailed.
func (r *PostgresRepository) UpdateDiscount(ctx context.Context, id int64, upd model.DiscountUpdate) (*model.Discount, error) {
	var updated *model.Discount
	err := r.withRetry(ctx, func() error {
		var err error
		updated, err = scanDiscount(r.db(ctx).QueryRow(ctx,
			`UPDATE discounts
			 SET status = $3,
			     used_at = COALESCE($4, used_at),
			     used_by_cashier_id = COALESCE($5, used_by_cashier_id)
			 WHERE id = $1 AND status = $2
			 RETURNING `+discountColumns,
			id, string(upd.ExpectStatus), string(upd.Status), upd.UsedAt, upd.UsedByCashierID,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("update discount: %w", err)
	}
	return updated, nil
}

// ListDiscounts возвращает скидки по фильтру, начиная с последних выданных.
func (r *PostgresRepository) ListDiscounts(ctx context.Context, filter model.DiscountFilter) ([]model.Discount, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != nil {
		add("user_id = $%d", *filter.UserID)
	}
	if filter.TemplateID != nil {
		add("template_id = $%d", *filter.TemplateID)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}

	query := `SELECT ` + discountColumns + ` FROM discounts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY issued_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select discounts: %w", err)
	}
	defer rows.Close()

	var res []model.Discount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount: %w", err)
		}
		res = append(res, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ExpireDiscounts переводит все просроченные активные скидки в статус expired.
func (r *PostgresRepository) ExpireDiscounts(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.db(ctx).Exec(ctx,
			`UPDATE discounts SET status = $1 WHERE status = $2 AND expires_at <= $3`,
			string(model.DiscountStatusExpired), string(model.DiscountStatusActive), now,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire discounts: %w", err)
	}
	return affected, nil
}

// ListUsers возвращает участников, удовлетворяющих всем предикатам.
func (r *PostgresRepository) ListUsers(ctx context.Context, criteria []audience.Criterion) ([]model.User, error) {
	where, args := buildUserFilter(criteria)

	rows, err := r.db(ctx).Query(ctx, `SELECT `+userColumns+` FROM users`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountUsers возвращает число участников, удовлетворяющих всем предикатам.
func (r *PostgresRepository) CountUsers(ctx context.Context, criteria []audience.Criterion) (int, error) {
	where, args := buildUserFilter(criteria)

	var n int
	if err := r.db(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountActiveDiscountsForUsers возвращает число активных скидок по каждому участнику.
// Участники без активных скидок в результат не попадают.
func (r *PostgresRepository) CountActiveDiscountsForUsers(ctx context.Context, userIDs []int64) (map[int64]int, error) {
	res := make(map[int64]int)
	if len(userIDs) == 0 {
		return res, nil
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT user_id, COUNT(*)
		 FROM discounts
		 WHERE status = $1 AND user_id = ANY($2)
		 GROUP BY user_id`,
		string(model.DiscountStatusActive), userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("count active discounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID int64
			n      int
		)
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		res[userID] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateEvent сохраняет запись журнала событий.
func (r *PostgresRepository) CreateEvent(ctx context.Context, ev model.Event) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO event_logs (event_type, code, discount_id, user_id, cashier_id, template_id,
			campaign_id, reason, message, is_test, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(ev.Type), ev.Code, ev.DiscountID, ev.UserID, ev.CashierID, ev.TemplateID,
		ev.CampaignID, ev.Reason, ev.Message, ev.IsTest, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// WithIssueLock выполняет fn под транзакционной advisory-блокировкой пары
// (участник, шаблон), сериализуя параллельные выдачи по одному шаблону.
// Все запросы репозитория с ctx, переданным в fn, идут через эту транзакцию
// и не занимают других соединений пула.
func (r *PostgresRepository) WithIssueLock(ctx context.Context, userID, templateID int64, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return errors.New("issue lock is already held by this context")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	key := fmt.Sprintf("issue:%d:%d", userID, templateID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("acquire issue lock: %w", err)
	}

	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
