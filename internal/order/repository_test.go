package order_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
)

// testDB stays nil unless DB_HOST_TEST points at a migrated database.
var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	dbHost := os.Getenv("DB_HOST_TEST")
	if dbHost != "" {
		testDB = connectTestDB(dbHost)
	}

	exitCode := m.Run()

	if testDB != nil {
		testDB.Close()
		log.Info().Msg("TEST SETUP: Test Database connection closed.")
	}
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func connectTestDB(dbHost string) *pgxpool.Pool {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbHost,
		envOr("DB_PORT_TEST", "5432"),
		envOr("DB_USER_TEST", "postgres"),
		envOr("DB_PASSWORD_TEST", "postgres"),
		envOr("DB_NAME_TEST", "checkout_test"),
		envOr("DB_SSLMODE_TEST", "disable"),
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		log.Fatal().Err(err).Str("host", dbHost).Msg("Failed to parse test database config")
	}
	poolConfig.MaxConns = 5

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal().Err(err).Str("db_host", dbHost).Msg("Failed to connect to test database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Fatal().Err(err).Msg("Failed to ping test database")
	}
	log.Info().Msg("Test Database connection established.")
	return pool
}

func requireDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testDB == nil {
		t.Skip("DB_HOST_TEST is not set")
	}
	t.Cleanup(func() {
		_, err := testDB.Exec(context.Background(), "TRUNCATE TABLE entitlements, coupon_usages, invoices, email_invitations, orders, products CASCADE")
		require.NoError(t, err, "failed to truncate checkout tables")
	})
	return testDB
}

func seedOrder(t *testing.T, pool *pgxpool.Pool, repo order.Repository, email string, createdAt time.Time) *order.Order {
	t.Helper()
	ctx := context.Background()

	productID := uuid.Must(uuid.NewV4())
	_, err := pool.Exec(ctx, `
		INSERT INTO products (id, tenant_id, name, price, pix_price, active, access_years)
		VALUES ($1, 'tenant-1', 'Go Course', 200, 180, TRUE, 1)
	`, productID)
	require.NoError(t, err)

	o := &order.Order{
		TenantID:       "tenant-1",
		CustomerEmail:  email,
		CustomerTaxID:  "12345678909",
		CustomerName:   "Ana",
		ProductID:      productID,
		PaymentMethod:  order.MethodPix,
		OriginalPrice:  d("200"),
		CouponDiscount: d("18"),
		PixDiscount:    d("20"),
		FinalPrice:     d("162"),
		Status:         order.StatusPending,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(7 * 24 * time.Hour),
		UpdatedAt:      createdAt,
	}
	require.NoError(t, repo.Create(ctx, o))
	return o
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	pool := requireDB(t)
	repo := order.NewRepository(pool)
	createdAt := time.Now().UTC().Truncate(time.Millisecond)

	o := seedOrder(t, pool, repo, "ana@example.com", createdAt)

	got, err := repo.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.True(t, d("162").Equal(got.FinalPrice))
	assert.Nil(t, got.InstallmentCount)
	assert.WithinDuration(t, createdAt.Add(7*24*time.Hour), got.ExpiresAt, time.Second)

	_, err = repo.GetByID(context.Background(), uuid.Must(uuid.NewV4()))
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestOrderRepository_LinkPaymentKeepsInstallments(t *testing.T) {
	pool := requireDB(t)
	repo := order.NewRepository(pool)
	o := seedOrder(t, pool, repo, "ana@example.com", time.Now().UTC())
	ctx := context.Background()

	require.NoError(t, repo.LinkPayment(ctx, o.ID, order.PaymentLink{
		GatewayPaymentID:  "pay_1",
		ExternalReference: o.ID.String(),
		InstallmentCount:  intPtr(3),
	}))
	require.NoError(t, repo.LinkPayment(ctx, o.ID, order.PaymentLink{
		GatewayPaymentID:  "pay_1",
		ExternalReference: o.ID.String(),
	}))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InstallmentCount)
	assert.Equal(t, 3, *got.InstallmentCount)
	assert.Equal(t, o.ID.String(), *got.ExternalReference)

	assert.ErrorIs(t, repo.LinkPayment(ctx, uuid.Must(uuid.NewV4()), order.PaymentLink{}), order.ErrOrderNotFound)
}

func TestOrderRepository_MarkPaidOnlyOnce(t *testing.T) {
	pool := requireDB(t)
	repo := order.NewRepository(pool)
	o := seedOrder(t, pool, repo, "ana@example.com", time.Now().UTC())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.MarkPaid(ctx, o.ID, "pay_1", time.Now().UTC())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
	assert.NotNil(t, got.PaidAt)
}

func TestOrderRepository_ClaimAndComplete(t *testing.T) {
	pool := requireDB(t)
	repo := order.NewRepository(pool)
	ctx := context.Background()
	older := seedOrder(t, pool, repo, "ana@example.com", time.Now().UTC().Add(-time.Hour))
	latest := seedOrder(t, pool, repo, "ana@example.com", time.Now().UTC())

	got, err := repo.GetLatestByEmail(ctx, "tenant-1", "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
	assert.NotEqual(t, older.ID, got.ID)

	completed, err := repo.MarkCompleted(ctx, latest.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, completed, "pending orders cannot complete")

	linked, err := repo.LinkUser(ctx, latest.ID, "user_1")
	require.NoError(t, err)
	assert.True(t, linked)
	linked, err = repo.LinkUser(ctx, latest.ID, "user_1")
	require.NoError(t, err)
	assert.True(t, linked, "same user may relink")
	linked, err = repo.LinkUser(ctx, latest.ID, "user_2")
	require.NoError(t, err)
	assert.False(t, linked)

	_, err = repo.MarkPaid(ctx, latest.ID, "pay_2", time.Now().UTC())
	require.NoError(t, err)
	completed, err = repo.MarkCompleted(ctx, latest.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, completed)
	completed, err = repo.MarkCompleted(ctx, latest.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, completed)

	_, err = repo.GetLatestByEmail(ctx, "tenant-1", "nobody@example.com")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}
