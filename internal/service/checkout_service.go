package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/infrastructure/lock"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/pricing"
	"settlement/internal/repository"
	"settlement/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	collectLockInterval = 100 * time.Millisecond
	collectLockAttempts = 20
)

// CheckoutService starts collections. Amounts sent to a rail always come from
// the price validator, never from the stored client figures.
type CheckoutService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	registry    *gateway.Registry
	validator   *pricing.Validator
	reconciler  *ReconcileService
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
	metrics     *metrics.SettlementMetrics
	logger      *slog.Logger
}

func NewCheckoutService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, registry *gateway.Registry, validator *pricing.Validator, reconciler *ReconcileService, m *metrics.SettlementMetrics, logger *slog.Logger) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		registry:    registry,
		validator:   validator,
		reconciler:  reconciler,
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		metrics:     m,
		logger:      logger.With(slog.String("component", "checkout")),
	}
}

type CollectRequest struct {
	Gateway string              `json:"gateway" binding:"required"`
	Billing gateway.BillingInfo `json:"billing"`
}

type CollectResponse struct {
	OrderNo     string `json:"order_no"`
	Gateway     string `json:"gateway"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	ShippingFee int64  `json:"shipping_fee"`
	Reference   string `json:"reference,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	// Reused is set when an earlier prompt for the same order is still live.
	Reused bool `json:"reused,omitempty"`
}

// Collect 发起收款
//
// Calling it again for the same order and rail reuses the payment row; a
// prompt that is still live is returned instead of sending a second one.
func (s *CheckoutService) Collect(ctx context.Context, buyerID int64, orderNo string, req *CollectRequest) (*CollectResponse, error) {
	name, ok := gateway.ParseName(req.Gateway)
	if !ok {
		return nil, invalidf("unknown gateway %q", req.Gateway)
	}
	gw, err := s.registry.Get(name)
	if err != nil {
		return nil, invalidf("gateway %s is not available", name)
	}

	// A second request for the same order waits briefly, then sees the
	// prompt the first one sent.
	collectLock := lock.NewCollectLock(s.redisClient, orderNo)
	switch err := collectLock.Lock(ctx, collectLockInterval, collectLockAttempts); {
	case err == nil:
		defer collectLock.Unlock(context.Background())
	case errors.Is(err, lock.ErrLockFailed):
		return nil, fmt.Errorf("%w: a payment for order %s is already being started", ErrRetryLater, orderNo)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		s.logger.Warn("collect lock unavailable, continuing without it", slog.Any("error", err))
	}

	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderNo)
		}
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if order.Status != model.OrderStatusPendingPayment && order.Status != model.OrderStatusPaymentFailed {
		return nil, conflictf("order %s is %s and cannot be paid", orderNo, order.Status)
	}

	payments, err := s.paymentRepo.ListByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	var existing *model.Payment
	for _, p := range payments {
		if p.Status == model.PaymentStatusCaptured {
			return nil, conflictf("order %s is already paid", orderNo)
		}
		if p.Gateway == string(name) {
			existing = p
		}
	}

	if existing != nil && existing.Status == model.PaymentStatusPending {
		switch {
		case existing.Ref() != "":
			resp, done, err := s.resume(ctx, gw, order, existing, existing.Ref())
			if err != nil || done {
				return resp, err
			}
		case existing.OutcomeUnknown && gateway.KeysOnMerchantRef(name):
			resp, done, err := s.resume(ctx, gw, order, existing, existing.MerchantRef)
			if err != nil || done {
				return resp, err
			}
		case existing.OutcomeUnknown && time.Since(existing.UpdatedAt) < s.cfg.Settlement.PromptTTL:
			// No reference came back, so the open prompt cannot be queried.
			return nil, fmt.Errorf("%w: the last %s request for order %s may still reach the buyer", ErrRetryLater, name, orderNo)
		}
	}

	err = s.orderRepo.Transition(ctx, nil, order.ID, []string{model.OrderStatusPaymentFailed}, model.OrderStatusPendingPayment, nil)
	if err != nil && !errors.Is(err, repository.ErrOrderStatusInvalid) {
		return nil, err
	}

	quote := s.validator.Apply(order)
	if quote.Corrected {
		if err := s.orderRepo.UpdatePricing(ctx, nil, order); err != nil {
			if errors.Is(err, repository.ErrOrderStatusInvalid) {
				return nil, conflictf("order %s changed while starting payment", orderNo)
			}
			return nil, err
		}
		s.metrics.RecordPriceCorrection(quote.Zone)
	}

	merchantRef := idgen.GenerateMerchantRef()
	var payment *model.Payment
	if existing == nil {
		payment, err = s.paymentRepo.Upsert(ctx, nil, &model.Payment{
			OrderID:     order.ID,
			Gateway:     string(name),
			MerchantRef: merchantRef,
			Amount:      order.Total,
			Status:      model.PaymentStatusPending,
		})
		if err != nil {
			return nil, err
		}
	} else {
		if err := s.paymentRepo.Restart(ctx, existing.ID, merchantRef, order.Total); err != nil {
			if errors.Is(err, repository.ErrPaymentCaptured) {
				return nil, conflictf("order %s is already paid", orderNo)
			}
			return nil, err
		}
		payment = existing
		payment.MerchantRef = merchantRef
		payment.Amount = order.Total
	}

	res, err := gw.Collect(ctx, gateway.CollectRequest{
		OrderNo:     order.OrderNo,
		MerchantRef: merchantRef,
		Amount:      order.Total,
		Currency:    s.cfg.Settlement.Currency,
		Description: "Order " + order.OrderNo,
		Billing:     req.Billing,
	})
	if err != nil {
		if gateway.IsUnknownOutcome(err) {
			// The prompt may have reached the buyer; a retry re-verifies first.
			if merr := s.paymentRepo.MarkOutcomeUnknown(context.WithoutCancel(ctx), payment.ID, err.Error()); merr != nil {
				s.logger.Error("record unknown collect outcome failed", slog.Int64("payment_id", payment.ID), slog.Any("error", merr))
			}
			return nil, fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		if aerr := s.paymentRepo.Abandon(ctx, payment.ID, err.Error()); aerr != nil {
			s.logger.Error("abandon payment failed", slog.Int64("payment_id", payment.ID), slog.Any("error", aerr))
		}
		return nil, fmt.Errorf("collect via %s: %w", name, err)
	}

	if err := s.paymentRepo.AttachReference(ctx, payment.ID, res.Reference, res.RedirectURL, datatypes.JSON(res.Raw)); err != nil {
		return nil, fmt.Errorf("store %s reference %s: %w", name, res.Reference, err)
	}

	s.logger.Info("collection started",
		slog.String("order_no", order.OrderNo),
		slog.String("gateway", string(name)),
		slog.String("reference", res.Reference),
		slog.Int64("amount", order.Total))

	return &CollectResponse{
		OrderNo:     order.OrderNo,
		Gateway:     string(name),
		Status:      model.PaymentStatusPending,
		Amount:      order.Total,
		ShippingFee: order.ShippingFee,
		Reference:   res.Reference,
		RedirectURL: res.RedirectURL,
		Prompt:      res.Prompt,
	}, nil
}

// resume checks an earlier attempt before a new one is sent. ref is the rail
// reference, or our merchant reference for a timed out attempt on a rail that
// keys on it. done is set when that attempt answers the request by itself.
func (s *CheckoutService) resume(ctx context.Context, gw gateway.PaymentGateway, order *model.Order, existing *model.Payment, ref string) (*CollectResponse, bool, error) {
	state, err := gw.VerifyStatus(ctx, ref)
	if err != nil {
		if existing.Ref() == "" && !gateway.IsRetryable(err) {
			// The rail has no charge under our reference.
			if time.Since(existing.UpdatedAt) >= s.cfg.Settlement.PromptTTL {
				return nil, false, nil
			}
			return nil, true, fmt.Errorf("%w: %s has not registered the last request for order %s yet", ErrRetryLater, existing.Gateway, order.OrderNo)
		}
		return nil, true, fmt.Errorf("verify earlier %s attempt: %w", existing.Gateway, err)
	}

	resp := &CollectResponse{
		OrderNo:     order.OrderNo,
		Gateway:     existing.Gateway,
		Amount:      existing.Amount,
		ShippingFee: order.ShippingFee,
		Reference:   ref,
		RedirectURL: existing.CheckoutURL,
		Reused:      true,
	}

	switch state.Status {
	case gateway.StatusCompleted:
		outcome, err := s.reconciler.ApplyPaymentState(ctx, existing, state)
		if err != nil {
			return nil, true, err
		}
		if outcome == OutcomeCaptured || outcome == OutcomeDuplicate {
			resp.Status = model.PaymentStatusCaptured
			return resp, true, nil
		}
		return nil, false, nil
	case gateway.StatusPending:
		if time.Since(existing.UpdatedAt) < s.cfg.Settlement.PromptTTL {
			resp.Status = model.PaymentStatusPending
			return resp, true, nil
		}
		return nil, false, nil
	default:
		if _, err := s.reconciler.ApplyPaymentState(ctx, existing, state); err != nil {
			return nil, true, err
		}
		return nil, false, nil
	}
}
