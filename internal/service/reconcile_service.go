package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"settlement/internal/config"
	"settlement/internal/gateway"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/internal/webhook"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reconciliation outcomes, also used as the webhook metric label.
const (
	OutcomeIgnored          = "ignored"
	OutcomeUnknownReference = "unknown_reference"
	OutcomeCaptured         = "captured"
	OutcomeFailed           = "failed"
	OutcomePending          = "pending"
	OutcomeDuplicate        = "duplicate"
	OutcomePayoutPaid       = "payout_paid"
	OutcomePayoutFailed     = "payout_failed"
	OutcomeUnverified       = "unverified"
	OutcomeError            = "error"
)

// ReconcileService applies what the rails report. Payment callbacks only
// trigger a status query; the query's answer is what gets applied.
type ReconcileService struct {
	db          *gorm.DB
	cfg         *config.Config
	registry    *gateway.Registry
	payouts     *PayoutService
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
	escrowRepo  *repository.EscrowRepository
	outboxRepo  *repository.OutboxRepository
	metrics     *metrics.SettlementMetrics
	logger      *slog.Logger
}

func NewReconcileService(db *gorm.DB, cfg *config.Config, registry *gateway.Registry, payouts *PayoutService, m *metrics.SettlementMetrics, logger *slog.Logger) *ReconcileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileService{
		db:          db,
		cfg:         cfg,
		registry:    registry,
		payouts:     payouts,
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		escrowRepo:  repository.NewEscrowRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents),
		metrics:     m,
		logger:      logger.With(slog.String("component", "reconciler")),
	}
}

// HandleEvent processes one parsed callback. A nil error means the callback
// should be acknowledged with 200, whatever the outcome. An error is
// returned only when retrying the delivery could succeed.
func (s *ReconcileService) HandleEvent(ctx context.Context, ev webhook.Event) (string, error) {
	outcome, err := s.handle(ctx, ev)
	if err != nil {
		outcome = OutcomeError
		s.logger.Error("webhook reconciliation failed",
			slog.String("gateway", string(ev.Gateway)),
			slog.String("reference", ev.Reference),
			slog.Any("error", err))
	} else {
		s.logger.Info("webhook reconciled",
			slog.String("gateway", string(ev.Gateway)),
			slog.String("kind", string(ev.Kind)),
			slog.String("reference", ev.Reference),
			slog.String("outcome", outcome),
			slog.String("reason", ev.Reason))
	}
	s.metrics.RecordWebhook(string(ev.Gateway), outcome)
	return outcome, err
}

func (s *ReconcileService) handle(ctx context.Context, ev webhook.Event) (string, error) {
	switch ev.Kind {
	case webhook.KindPayment:
		payment, err := s.findPayment(ctx, ev)
		if err != nil {
			return s.lookupOutcome(err)
		}
		return s.reconcilePayment(ctx, payment)

	case webhook.KindPayout:
		return s.payouts.ApplyResult(ctx, payoutResult(ev))

	case webhook.KindTransaction:
		payment, err := s.findPayment(ctx, ev)
		if err == nil {
			return s.reconcilePayment(ctx, payment)
		}
		if !errors.Is(err, repository.ErrPaymentNotFound) {
			return "", err
		}
		return s.payouts.ApplyResult(ctx, payoutResult(ev))
	}
	return OutcomeIgnored, nil
}

func payoutResult(ev webhook.Event) PayoutResult {
	return PayoutResult{
		Gateway:       ev.Gateway,
		Refs:          []string{ev.Reference, ev.MerchantRef},
		Succeeded:     ev.Succeeded,
		Description:   ev.Description,
		Authenticated: ev.Authenticated,
	}
}

func (s *ReconcileService) lookupOutcome(err error) (string, error) {
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return OutcomeUnknownReference, nil
	}
	return "", err
}

func (s *ReconcileService) findPayment(ctx context.Context, ev webhook.Event) (*model.Payment, error) {
	for _, ref := range []string{ev.Reference, ev.MerchantRef} {
		if ref == "" {
			continue
		}
		payment, err := s.paymentRepo.GetByReference(ctx, string(ev.Gateway), ref)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, repository.ErrPaymentNotFound
}

// reconcilePayment re-verifies a payment with its rail and applies the answer.
func (s *ReconcileService) reconcilePayment(ctx context.Context, payment *model.Payment) (string, error) {
	if payment.Status != model.PaymentStatusPending {
		return OutcomeDuplicate, nil
	}
	ref := payment.Ref()
	if ref == "" {
		if !gateway.KeysOnMerchantRef(gateway.Name(payment.Gateway)) {
			return OutcomePending, nil
		}
		ref = payment.MerchantRef
	}

	gw, err := s.registry.Get(gateway.Name(payment.Gateway))
	if err != nil {
		s.logger.Error("callback for a disabled gateway",
			slog.String("gateway", payment.Gateway),
			slog.Int64("payment_id", payment.ID))
		return OutcomeIgnored, nil
	}

	state, err := gw.VerifyStatus(ctx, ref)
	if err != nil {
		if gateway.IsRetryable(err) {
			return "", fmt.Errorf("verify %s %s: %w", payment.Gateway, ref, err)
		}
		s.logger.Warn("status query rejected, leaving payment pending",
			slog.String("gateway", payment.Gateway),
			slog.String("reference", ref),
			slog.Any("error", err))
		return OutcomePending, nil
	}
	return s.ApplyPaymentState(ctx, payment, state)
}

// ApplyPaymentState applies an authoritative status query result. Every
// write is status guarded, so applying the same state twice changes nothing
// the second time.
func (s *ReconcileService) ApplyPaymentState(ctx context.Context, payment *model.Payment, state *gateway.PaymentState) (string, error) {
	switch state.Status {
	case gateway.StatusCompleted:
		if reason := s.shortfall(payment, state); reason != "" {
			s.logger.Error("captured amount does not cover the order",
				slog.Int64("payment_id", payment.ID),
				slog.Int64("expected", payment.Amount),
				slog.Int64("reported", state.Amount),
				slog.String("currency", state.Currency))
			return s.applyFailure(ctx, payment, &gateway.PaymentState{
				Status:      gateway.StatusFailed,
				Description: reason,
				Raw:         state.Raw,
			})
		}
		return s.applyCapture(ctx, payment, state)
	case gateway.StatusFailed:
		return s.applyFailure(ctx, payment, state)
	}
	return OutcomePending, nil
}

func (s *ReconcileService) shortfall(payment *model.Payment, state *gateway.PaymentState) string {
	if state.Currency != "" && !strings.EqualFold(state.Currency, s.cfg.Settlement.Currency) {
		return fmt.Sprintf("paid in %s, expected %s", state.Currency, s.cfg.Settlement.Currency)
	}
	if state.Amount > 0 && state.Amount < payment.Amount {
		return fmt.Sprintf("underpaid: received %d of %d", state.Amount, payment.Amount)
	}
	return ""
}

func (s *ReconcileService) applyCapture(ctx context.Context, payment *model.Payment, state *gateway.PaymentState) (string, error) {
	var (
		captured  bool
		confirmed bool
		order     *model.Order
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		captured, err = s.paymentRepo.MarkCaptured(ctx, tx, payment.ID, datatypes.JSON(state.Raw))
		if err != nil {
			return err
		}
		if !captured {
			return nil
		}

		order, err = s.orderRepo.GetByID(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}

		from := []string{model.OrderStatusPendingPayment, model.OrderStatusPaymentFailed}
		err = s.orderRepo.Transition(ctx, tx, order.ID, from, model.OrderStatusPendingVendorConfirmation, nil)
		switch {
		case err == nil:
			confirmed = true
			_, err = s.escrowRepo.CreateIfAbsent(ctx, tx, &model.EscrowTransaction{
				OrderID:          order.ID,
				VendorID:         order.VendorID,
				Status:           model.EscrowStatusHeld,
				HeldAmount:       order.Total,
				CommissionAmount: order.CommissionAmount,
				ReleaseAmount:    order.PayoutAmount,
			})
			if err != nil {
				return fmt.Errorf("create escrow: %w", err)
			}
		case errors.Is(err, repository.ErrOrderStatusInvalid):
		default:
			return err
		}

		return s.outboxRepo.Enqueue(ctx, tx, model.EventPaymentCaptured, order.OrderNo, map[string]interface{}{
			"order_no":  order.OrderNo,
			"gateway":   payment.Gateway,
			"reference": payment.Ref(),
			"amount":    payment.Amount,
			"receipt":   state.Receipt,
			"escrowed":  confirmed,
		})
	})
	if err != nil {
		return "", err
	}
	if !captured {
		return OutcomeDuplicate, nil
	}

	if confirmed {
		s.metrics.RecordTransition(model.OrderStatusPendingVendorConfirmation)
	} else {
		// Money arrived for an order that can no longer take it.
		s.logger.Error("payment captured for an order that is not awaiting payment",
			slog.String("order_no", order.OrderNo),
			slog.String("order_status", order.Status),
			slog.String("gateway", payment.Gateway),
			slog.Int64("amount", payment.Amount))
	}
	return OutcomeCaptured, nil
}

func (s *ReconcileService) applyFailure(ctx context.Context, payment *model.Payment, state *gateway.PaymentState) (string, error) {
	reason := state.Description
	if state.Code != "" {
		reason = state.Code + ": " + reason
	}

	var changed, transitioned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.paymentRepo.MarkFailed(ctx, tx, payment.ID, reason, state.Recoverable, datatypes.JSON(state.Raw))
		if err != nil || !changed {
			return err
		}

		order, err := s.orderRepo.GetByID(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}
		err = s.orderRepo.Transition(ctx, tx, order.ID, []string{model.OrderStatusPendingPayment}, model.OrderStatusPaymentFailed, nil)
		switch {
		case err == nil:
			transitioned = true
		case !errors.Is(err, repository.ErrOrderStatusInvalid):
			return err
		}
		if state.Recoverable {
			return nil
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventPaymentFailed, order.OrderNo, map[string]interface{}{
			"order_no": order.OrderNo,
			"gateway":  payment.Gateway,
			"reason":   reason,
		})
	})
	if err != nil {
		return "", err
	}
	// A recoverable failure leaves the payment pending, so a replay of it
	// only shows up as the order no longer moving.
	if !changed || (state.Recoverable && !transitioned) {
		return OutcomeDuplicate, nil
	}
	if transitioned {
		s.metrics.RecordTransition(model.OrderStatusPaymentFailed)
	}
	return OutcomeFailed, nil
}

// RecheckPending re-verifies pending payments whose callback never arrived,
// including collect calls that timed out on rails that can be asked by our
// merchant reference. It returns how many were settled either way.
func (s *ReconcileService) RecheckPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	payments, err := s.paymentRepo.GetStalePending(ctx, time.Now().Add(-olderThan), gateway.MerchantRefGateways(), limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, payment := range payments {
		outcome, err := s.reconcilePayment(ctx, payment)
		if err != nil {
			s.logger.Warn("payment recheck failed",
				slog.Int64("payment_id", payment.ID),
				slog.String("gateway", payment.Gateway),
				slog.Any("error", err))
		}
		switch outcome {
		case OutcomeCaptured, OutcomeFailed:
			settled++
		default:
			if err := s.paymentRepo.Touch(ctx, payment.ID); err != nil {
				s.logger.Warn("touch payment failed", slog.Int64("payment_id", payment.ID), slog.Any("error", err))
			}
		}
	}
	return settled, nil
}
