package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			want: true,
		},
		{
			name: "deadlock",
			err:  &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			want: true,
		},
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			want: false,
		},
		{
			name: "connection reset after send",
			err:  fmt.Errorf("update discount: %w", errors.New("read tcp: connection reset by peer")),
			want: false,
		},
		{
			name: "broken pipe",
			err:  &net.OpError{Op: "write", Err: errors.New("broken pipe")},
			want: false,
		},
		{
			name: "unexpected eof",
			err:  io.ErrUnexpectedEOF,
			want: false,
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestWithRetry_DoesNotRepeatUnsafeWrite(t *testing.T) {
	r := &PostgresRepository{}
	calls := 0

	err := r.withRetry(context.Background(), func() error {
		calls++
		return errors.New("connection reset by peer")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// txStub подменяет транзакцию там, где важен только её тип.
type txStub struct {
	pgx.Tx
}

func TestWithRetry_NoRetryInsideTransaction(t *testing.T) {
	r := &PostgresRepository{}
	ctx := withTx(context.Background(), txStub{})
	calls := 0

	err := r.withRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDB_UsesTransactionFromContext(t *testing.T) {
	r := &PostgresRepository{}
	tx := txStub{}

	assert.Equal(t, querier(tx), r.db(withTx(context.Background(), tx)))
	assert.Equal(t, querier(r.pool), r.db(context.Background()))
}

// Проверки ниже требуют живой PostgreSQL: TEST_DATABASE_URI=postgres://... go test ./...
func testPostgres(t *testing.T, maxConns int) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	sep := " "
	if strings.Contains(dsn, "://") {
		sep = "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
	}
	dsn += fmt.Sprintf("%spool_max_conns=%d", sep, maxConns)

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPostgresRepository_IssueLockWithSingleConnection(t *testing.T) {
	r := testPostgres(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	suffix := time.Now().UnixNano()
	var userID, templateID int64
	require.NoError(t, r.pool.QueryRow(ctx,
		`INSERT INTO users (external_id, display_name) VALUES ($1, 'lock') RETURNING id`, suffix,
	).Scan(&userID))
	require.NoError(t, r.pool.QueryRow(ctx,
		`INSERT INTO discount_templates (name, value, value_type, duration_days)
		 VALUES ($1, 10, 'percent', 30) RETURNING id`, fmt.Sprintf("lock-%d", suffix),
	).Scan(&templateID))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.WithIssueLock(ctx, userID, templateID, func(ctx context.Context) error {
				if _, err := r.ListDiscounts(ctx, model.DiscountFilter{UserID: &userID, TemplateID: &templateID}); err != nil {
					return err
				}

				code := fmt.Sprintf("ЖЖЖ%04d", (suffix+int64(i))%10000)
				exists, err := r.DiscountCodeExists(ctx, code)
				if err != nil || exists {
					return err
				}

				now := time.Now()
				_, err = r.CreateDiscount(ctx, &model.Discount{
					Code:       code,
					UserID:     userID,
					TemplateID: templateID,
					Value:      decimal.NewFromInt(10),
					ValueType:  model.ValueTypePercent,
					Status:     model.DiscountStatusActive,
					IssuedAt:   now,
					ExpiresAt:  now.Add(time.Hour),
				})
				if errors.Is(err, ErrCodeTaken) {
					return nil
				}
				return err
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, ctx.Err(), "issue lock callbacks must not wait for a second connection")
}

func TestPostgresRepository_CreateDiscountConflictKeepsTransaction(t *testing.T) {
	r := testPostgres(t, 2)
	ctx := context.Background()

	suffix := time.Now().UnixNano()
	var userID, templateID int64
	require.NoError(t, r.pool.QueryRow(ctx,
		`INSERT INTO users (external_id) VALUES ($1) RETURNING id`, suffix,
	).Scan(&userID))
	require.NoError(t, r.pool.QueryRow(ctx,
		`INSERT INTO discount_templates (name, value, value_type, duration_days)
		 VALUES ($1, 5, 'fixed', 1) RETURNING id`, fmt.Sprintf("conflict-%d", suffix),
	).Scan(&templateID))

	now := time.Now()
	newDiscount := func(code string) *model.Discount {
		return &model.Discount{
			Code: code, UserID: userID, TemplateID: templateID,
			Value: decimal.NewFromInt(5), ValueType: model.ValueTypeFixed,
			Status: model.DiscountStatusActive, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		}
	}

	taken := fmt.Sprintf("ЭЭЭ%04d", suffix%10000)
	_, err := r.CreateDiscount(ctx, newDiscount(taken))
	require.NoError(t, err)

	err = r.WithIssueLock(ctx, userID, templateID, func(ctx context.Context) error {
		if _, err := r.CreateDiscount(ctx, newDiscount(taken)); !errors.Is(err, ErrCodeTaken) {
			return fmt.Errorf("want ErrCodeTaken, got %v", err)
		}
		_, err := r.CreateDiscount(ctx, newDiscount(fmt.Sprintf("ЮЮЮ%04d", suffix%10000)))
		return err
	})
	require.NoError(t, err)
}
