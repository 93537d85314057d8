package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/interfaces"
	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

const sweepLockKey = "mpesa_sweep_lock"

// statusQuerier is the slice of the gateway client the sweeper needs.
type statusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResult, error)
}

// Sweeper is the poll-based fallback for records whose callback never
// arrived, and the retry path for orphaned callbacks. It periodically
// queries the provider for stale pending records and pushes the results
// through the same reconciler as the webhook, so all idempotency
// guarantees carry over. A Redis lock keeps a single sweep running across
// instances.
type Sweeper struct {
	store       interfaces.PaymentStore
	audit       interfaces.AuditLog
	recon       *Reconciler
	gateway     statusQuerier
	redisClient *redis.Client
	logger      *zap.Logger

	interval    time.Duration
	pendingAge  time.Duration
	maxAttempts int
}

func NewSweeper(store interfaces.PaymentStore, audit interfaces.AuditLog, recon *Reconciler, gateway statusQuerier, redisClient *redis.Client, logger *zap.Logger, interval, pendingAge time.Duration, maxAttempts int) *Sweeper {
	return &Sweeper{
		store:       store,
		audit:       audit,
		recon:       recon,
		gateway:     gateway,
		redisClient: redisClient,
		logger:      logger,
		interval:    interval,
		pendingAge:  pendingAge,
		maxAttempts: maxAttempts,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Reconciliation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("pending_age", s.pendingAge),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	locked := s.redisClient.SetNX(ctx, sweepLockKey, "1", s.interval)
	if !locked.Val() {
		return
	}
	defer s.redisClient.Del(ctx, sweepLockKey)

	telemetry.SweepRuns.Inc()

	cutoff := time.Now().Add(-s.pendingAge)
	recs, err := s.store.ListStalePending(ctx, cutoff, s.maxAttempts)
	if err != nil {
		s.logger.Error("failed to list stale pending records", zap.Error(err))
		return
	}

	for _, rec := range recs {
		s.sweepRecord(ctx, rec)
	}
}

func (s *Sweeper) sweepRecord(ctx context.Context, rec *models.PaymentRecord) {
	attempts, err := s.store.IncrementSweepAttempts(ctx, rec.CheckoutRequestID)
	if err != nil {
		s.logger.Error("failed to bump sweep attempts",
			zap.String("checkout_request_id", rec.CheckoutRequestID),
			zap.Error(err),
		)
		return
	}

	status, err := s.gateway.QueryStatus(ctx, rec.CheckoutRequestID)
	if err != nil {
		if mpesa.StillProcessing(err) {
			// Payer hasn't answered the prompt; next sweep will retry.
			return
		}

		s.logger.Warn("status query failed during sweep",
			zap.String("checkout_request_id", rec.CheckoutRequestID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)

		if attempts >= s.maxAttempts {
			// Leave the record pending for manual review.
			_, _ = s.audit.Append(ctx, &models.AuditEvent{
				Type:              models.AuditSweepExhausted,
				CheckoutRequestID: rec.CheckoutRequestID,
				Detail:            err.Error(),
			})
		}
		return
	}

	outcome := &models.CallbackOutcome{
		CheckoutRequestID: rec.CheckoutRequestID,
		MerchantRequestID: rec.MerchantRequestID,
		ResultCode:        status.ResultCode,
		ResultDesc:        status.ResultDesc,
		Amount:            status.Amount,
		PhoneNumber:       status.PhoneNumber,
	}

	if _, _, err := s.recon.Apply(ctx, outcome); err != nil {
		s.logger.Error("failed to apply swept outcome",
			zap.String("checkout_request_id", rec.CheckoutRequestID),
			zap.Error(err),
		)
	}
}
