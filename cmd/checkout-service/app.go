package main

import (
	"context"
	"fmt"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/course-checkout/internal/access"
	"github.com/vasiliy-maslov/course-checkout/internal/config"
	"github.com/vasiliy-maslov/course-checkout/internal/coupon"
	"github.com/vasiliy-maslov/course-checkout/internal/db"
	"github.com/vasiliy-maslov/course-checkout/internal/fiscal"
	"github.com/vasiliy-maslov/course-checkout/internal/gateway"
	"github.com/vasiliy-maslov/course-checkout/internal/identity"
	"github.com/vasiliy-maslov/course-checkout/internal/invitation"
	"github.com/vasiliy-maslov/course-checkout/internal/invoice"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
	"github.com/vasiliy-maslov/course-checkout/internal/product"
	"github.com/vasiliy-maslov/course-checkout/internal/provisioning"
	"github.com/vasiliy-maslov/course-checkout/internal/ratelimit"
	"github.com/vasiliy-maslov/course-checkout/internal/reconcile"
	"github.com/vasiliy-maslov/course-checkout/internal/retry"
)

// app holds every long-lived dependency shared by the serve and worker commands.
type app struct {
	cfg   *config.Config
	db    *db.Postgres
	redis *redis.Client

	runner       *retry.Runner
	orders       order.Service
	coupons      *coupon.Validator
	reconciler   *reconcile.Reconciler
	provisioning *provisioning.Engine
	invitations  *invitation.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setLogLevel(cfg.App.LogLevel)

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	pool := pg.Pool
	tx := db.NewTransactor(pool)
	policy := retry.Policy{
		InitialBackoff: cfg.Retry.InitialBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		MaxAttempts:    cfg.Retry.MaxAttempts,
	}

	orderRepo := order.NewRepository(pool)
	productRepo := product.NewRepository(pool)
	couponRepo := coupon.NewRepository(pool, tx)
	couponValidator := coupon.NewValidator(couponRepo,
		ratelimit.NewRedisLimiter(rdb, ratelimit.CouponValidation), cfg.App.TenantID)

	runner := retry.NewRunner(retry.NewPostgresStore(pool), retry.WithBatchSize(cfg.Retry.BatchSize))

	invoiceRepo := invoice.NewRepository(pool)
	generator := invoice.NewGenerator(invoiceRepo, orderRepo, productRepo, runner, policy)
	issuer := invoice.NewIssuer(invoiceRepo, fiscal.NewClient(fiscal.Config{
		BaseURL:         cfg.Fiscal.BaseURL,
		APIKey:          cfg.Fiscal.APIKey,
		Timeout:         cfg.Fiscal.Timeout,
		CompanyID:       cfg.Fiscal.CompanyID,
		CityServiceCode: cfg.Fiscal.CityServiceCode,
	}), decimal.NewFromFloat(cfg.Fiscal.ISSRate))
	runner.Register(invoice.JobKind, issuer)

	invitations := invitation.NewService(invitation.NewRepository(pool), runner, identity.NewClient(identity.Config{
		BaseURL:     cfg.Identity.BaseURL,
		APIKey:      cfg.Identity.APIKey,
		Timeout:     cfg.Identity.Timeout,
		RedirectURL: cfg.Identity.RedirectURL,
	}), policy)
	runner.Register(invitation.JobKind, invitations)

	engine := provisioning.NewEngine(orderRepo, productRepo, access.NewPostgresGranter(pool), cfg.App.TenantID)

	orderSvc := order.NewService(order.Deps{
		Orders:   orderRepo,
		Products: productRepo,
		Coupons:  couponValidator,
		Limiter:  ratelimit.NewRedisLimiter(rdb, ratelimit.OrderCreation),
		Tx:       tx,
		Gateway: gateway.NewClient(gateway.Config{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: cfg.Gateway.Timeout,
		}),
		TenantID: cfg.App.TenantID,
	})

	reconciler := reconcile.NewReconciler(reconcile.Deps{
		Orders:      orderRepo,
		Invoices:    generator,
		Coupons:     couponRepo,
		Provisioner: engine,
		Invitations: invitations,
		TenantID:    cfg.App.TenantID,
	})

	return &app{
		cfg:          cfg,
		db:           pg,
		redis:        rdb,
		runner:       runner,
		orders:       orderSvc,
		coupons:      couponValidator,
		reconciler:   reconciler,
		provisioning: engine,
		invitations:  invitations,
	}, nil
}

func (a *app) newWorker() *retry.Worker {
	rs := redsync.New(goredis.NewPool(a.redis))
	locker := retry.NewRedisLocker(rs, a.cfg.Retry.LockExpiry)
	return retry.NewWorker(a.runner, locker, a.cfg.Retry.Schedule, a.cfg.Retry.LockExpiry)
}

func (a *app) Close() {
	if err := a.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close redis client")
	}
	a.db.Close()
}
