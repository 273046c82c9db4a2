package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"settlement/internal/config"
	"settlement/internal/fee"
	"settlement/internal/gateway"
	"settlement/internal/infrastructure/metrics"
	"settlement/internal/model"
	"settlement/internal/repository"
	"settlement/pkg/idgen"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const maxReserveAttempts = 3

// payoutPolicy is what differs between an automatic sweep and a vendor's
// own withdrawal.
type payoutPolicy struct {
	trigger   string
	threshold int64
	fees      *fee.Schedule
	bearer    string
}

// PayoutService 商家余额与出款
//
// Both payout paths take the whole balance with one version-guarded swap
// before the rail is called, so a sweep and a withdrawal racing on the same
// vendor cannot send the same funds twice.
type PayoutService struct {
	db          *gorm.DB
	cfg         *config.Config
	registry    *gateway.Registry
	balanceRepo *repository.BalanceRepository
	payoutRepo  *repository.PayoutRepository
	outboxRepo  *repository.OutboxRepository
	commissions *repository.CommissionRepository
	auto        payoutPolicy
	manual      payoutPolicy
	metrics     *metrics.SettlementMetrics
	logger      *slog.Logger
}

func NewPayoutService(db *gorm.DB, cfg *config.Config, registry *gateway.Registry, m *metrics.SettlementMetrics, logger *slog.Logger) (*PayoutService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	autoFees, err := scheduleFrom(cfg.Settlement.AutoFeeBands)
	if err != nil {
		return nil, fmt.Errorf("auto fee bands: %w", err)
	}
	manualFees, err := scheduleFrom(cfg.Settlement.ManualFeeBands)
	if err != nil {
		return nil, fmt.Errorf("manual fee bands: %w", err)
	}
	return &PayoutService{
		db:          db,
		cfg:         cfg,
		registry:    registry,
		balanceRepo: repository.NewBalanceRepository(db),
		payoutRepo:  repository.NewPayoutRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db, cfg.Kafka.Topic.SettlementEvents),
		commissions: repository.NewCommissionRepository(db),
		auto: payoutPolicy{
			trigger:   model.PayoutTriggerAutomatic,
			threshold: cfg.Settlement.AutoPayoutThreshold,
			fees:      autoFees,
			bearer:    cfg.Settlement.AutoFeeBearer,
		},
		manual: payoutPolicy{
			trigger:   model.PayoutTriggerManual,
			threshold: cfg.Settlement.ManualPayoutThreshold,
			fees:      manualFees,
			bearer:    cfg.Settlement.ManualFeeBearer,
		},
		metrics: m,
		logger:  logger.With(slog.String("component", "payout_service")),
	}, nil
}

func scheduleFrom(bands []config.FeeBandConfig) (*fee.Schedule, error) {
	out := make([]fee.Band, 0, len(bands))
	for _, b := range bands {
		out = append(out, fee.Band{UpTo: b.UpTo, Fee: b.Fee})
	}
	return fee.NewSchedule(out)
}

type BalanceView struct {
	*model.VendorBalance
	ManualThreshold int64 `json:"manual_threshold"`
	AutoThreshold   int64 `json:"auto_threshold"`
	// WithdrawFee is what a withdrawal of the current balance would cost.
	WithdrawFee int64 `json:"withdraw_fee"`
	CanWithdraw bool  `json:"can_withdraw"`
}

// Balance 查询商家余额
func (s *PayoutService) Balance(ctx context.Context, vendorID int64) (*BalanceView, error) {
	balance, err := s.balanceRepo.GetOrCreate(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	view := &BalanceView{
		VendorBalance:   balance,
		ManualThreshold: s.manual.threshold,
		AutoThreshold:   s.auto.threshold,
	}
	if balance.PendingBalance > 0 {
		view.WithdrawFee = s.manual.fees.Lookup(balance.PendingBalance)
	}
	_, _, rej := s.quote(s.manual, balance.PendingBalance)
	view.CanWithdraw = rej == nil
	return view, nil
}

type PayoutAccountInput struct {
	Method        string `json:"method"`
	AccountNumber string `json:"account_number" binding:"required"`
	AccountName   string `json:"account_name"`
}

// SavePayoutAccount links or replaces the account payouts are sent to.
func (s *PayoutService) SavePayoutAccount(ctx context.Context, vendorID int64, in *PayoutAccountInput) (*model.VendorPayoutAccount, error) {
	method := in.Method
	if method == "" {
		method = s.cfg.Settlement.PayoutGateway
	}
	name, ok := gateway.ParseName(method)
	if !ok || name == gateway.Pesapal {
		return nil, invalidf("payouts cannot be sent with %q", method)
	}
	number, err := gateway.NormalizeMSISDN(in.AccountNumber, s.cfg.Settlement.CountryCode)
	if err != nil {
		return nil, invalidf("account number: %v", err)
	}
	account := &model.VendorPayoutAccount{
		VendorID:      vendorID,
		Method:        string(name),
		AccountNumber: number,
		AccountName:   strings.TrimSpace(in.AccountName),
	}
	if err := s.balanceRepo.SavePayoutAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Withdraw sends the vendor's whole balance, less the manual payout fee.
// There is no partial withdrawal.
func (s *PayoutService) Withdraw(ctx context.Context, vendorID int64) (*model.Payout, error) {
	return s.payout(ctx, vendorID, s.manual)
}

func (s *PayoutService) History(ctx context.Context, vendorID int64, page, pageSize int) ([]*model.Payout, int64, error) {
	page, pageSize = pageBounds(page, pageSize)
	return s.payoutRepo.ListByVendorID(ctx, vendorID, page, pageSize)
}

// Commissions is the vendor's statement of what the platform kept per order.
func (s *PayoutService) Commissions(ctx context.Context, vendorID int64, page, pageSize int) ([]*model.CommissionLedger, int64, error) {
	page, pageSize = pageBounds(page, pageSize)
	return s.commissions.ListByVendorID(ctx, vendorID, page, pageSize)
}

// CommissionTotal sums platform commission recorded in [from, to).
func (s *PayoutService) CommissionTotal(ctx context.Context, from, to time.Time) (int64, error) {
	if !from.Before(to) {
		return 0, invalidf("from must be before to")
	}
	return s.commissions.Total(ctx, from, to)
}

type SweepResult struct {
	VendorID int64  `json:"vendor_id"`
	PayoutNo string `json:"payout_no,omitempty"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type SweepReport struct {
	mu        sync.Mutex
	Results   []SweepResult `json:"results"`
	Initiated int           `json:"initiated"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

func (r *SweepReport) add(res SweepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	switch res.Status {
	case model.PayoutStatusFailed:
		r.Failed++
	case "skipped":
		r.Skipped++
	default:
		r.Initiated++
	}
}

// SweepAutomatic pays out every vendor at or above the automatic threshold.
// Vendors are processed independently and a failure is recorded in the
// report without stopping the sweep.
func (s *PayoutService) SweepAutomatic(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	batch := s.cfg.Jobs.BatchSize
	if batch <= 0 {
		batch = 100
	}
	concurrency := s.cfg.Jobs.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var after int64
	for {
		balances, err := s.balanceRepo.ListAtLeast(ctx, s.auto.threshold, after, batch)
		if err != nil {
			return report, err
		}
		if len(balances) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, b := range balances {
			vendorID := b.VendorID
			g.Go(func() error {
				res := SweepResult{VendorID: vendorID}
				payout, err := s.payout(ctx, vendorID, s.auto)
				if payout != nil {
					res.PayoutNo = payout.PayoutNo
					res.Amount = payout.Amount
					res.Status = payout.Status
				}
				if err != nil {
					res.Error = err.Error()
					if payout == nil {
						res.Status = "skipped"
					}
					s.logger.Warn("automatic payout not sent",
						slog.Int64("vendor_id", vendorID),
						slog.Any("error", err))
				}
				report.add(res)
				return nil
			})
		}
		_ = g.Wait()

		after = balances[len(balances)-1].VendorID
		if len(balances) < batch {
			break
		}
	}

	s.logger.Info("automatic payout sweep finished",
		slog.Int("initiated", report.Initiated),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

// quote returns the fee and the amount sent for a balance, or why no payout
// can be made from it.
func (s *PayoutService) quote(p payoutPolicy, balance int64) (amount, charge int64, rej *PayoutRejection) {
	if balance < p.threshold {
		return 0, 0, &PayoutRejection{
			Reason:  RejectBelowThreshold,
			Message: fmt.Sprintf("balance %d %s is below the minimum payout of %d", balance, s.cfg.Settlement.Currency, p.threshold),
		}
	}
	charge = p.fees.Lookup(balance)
	if p.bearer == model.FeeBearerPlatform {
		return balance, charge, nil
	}
	if charge >= balance {
		return 0, charge, &PayoutRejection{
			Reason:  RejectFeeExceedsBalance,
			Message: fmt.Sprintf("transfer fee %d would exceed the balance of %d", charge, balance),
		}
	}
	return balance - charge, charge, nil
}

// payout reserves the balance, calls the rail without holding anything, and
// records what the rail said.
func (s *PayoutService) payout(ctx context.Context, vendorID int64, p payoutPolicy) (*model.Payout, error) {
	account, err := s.balanceRepo.GetPayoutAccount(ctx, vendorID)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutAccountNotFound) {
			return nil, &PayoutRejection{
				Reason:  RejectNoPayoutAccount,
				Message: "link a payout account before requesting a payout",
			}
		}
		return nil, err
	}

	method := account.Method
	if method == "" {
		method = s.cfg.Settlement.PayoutGateway
	}
	gw, err := s.registry.Get(gateway.Name(method))
	if err != nil {
		return nil, &PayoutRejection{
			Reason:  RejectGatewayDisabled,
			Message: fmt.Sprintf("payouts via %s are not available right now", method),
		}
	}

	var payout *model.Payout
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		payout, err = s.reserve(ctx, vendorID, account, method, p)
		if !errors.Is(err, repository.ErrOptimisticLock) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil, fmt.Errorf("%w: balance is changing, try again", ErrRetryLater)
		}
		return nil, err
	}

	res, err := gw.Disburse(ctx, gateway.DisburseRequest{
		Destination: account.AccountNumber,
		AccountName: account.AccountName,
		Amount:      payout.Amount,
		Currency:    s.cfg.Settlement.Currency,
		Narrative:   "Payout " + payout.PayoutNo,
		Reference:   payout.PayoutNo,
	})
	// A caller that went away mid-call leaves the outcome unknown, and what
	// the rail said must still be recorded.
	unknown := gateway.IsUnknownOutcome(err) || (err != nil && ctx.Err() != nil)
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		tracking := res.TrackingID
		if tracking == "" {
			tracking = payout.PayoutNo
		}
		if err := s.markSent(ctx, payout, tracking, ""); err != nil {
			return payout, err
		}
	case unknown:
		// The rail may have taken it. Treat the funds as gone and let the
		// result callback settle or reverse them.
		if err := s.markSent(ctx, payout, "", "outcome unknown, awaiting result"); err != nil {
			return payout, err
		}
		s.logger.Warn("disbursement outcome unknown",
			slog.String("payout_no", payout.PayoutNo),
			slog.Int64("vendor_id", vendorID))
	default:
		if ferr := s.failReserved(ctx, payout, err.Error()); ferr != nil {
			s.logger.Error("could not restore balance after failed disbursement",
				slog.String("payout_no", payout.PayoutNo),
				slog.Int64("vendor_id", vendorID),
				slog.Int64("amount", payout.DebitedAmount),
				slog.Any("error", ferr))
			return payout, ferr
		}
		s.metrics.RecordPayout(p.trigger, model.PayoutStatusFailed, s.cfg.Settlement.Currency, p.bearer, payout.Amount, payout.Fee)
		return payout, fmt.Errorf("disburse via %s: %w", method, err)
	}

	s.metrics.RecordPayout(p.trigger, payout.Status, s.cfg.Settlement.Currency, p.bearer, payout.Amount, payout.Fee)
	s.logger.Info("payout initiated",
		slog.String("payout_no", payout.PayoutNo),
		slog.Int64("vendor_id", vendorID),
		slog.String("trigger", p.trigger),
		slog.Int64("amount", payout.Amount),
		slog.Int64("fee", payout.Fee),
		slog.String("fee_bearer", p.bearer))
	return payout, nil
}

// RecheckPayouts settles disbursements whose result never got recorded. It
// returns how many payouts it moved on.
//
// A payout still pending after olderThan had its rail call made but not
// written down, so it is treated like an unknown outcome and left to the
// result callback. Processing payouts on rails with a transfer status query
// are asked about again.
func (s *PayoutService) RecheckPayouts(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := time.Now().Add(-olderThan)
	moved := 0

	stalled, err := s.payoutRepo.ListStale(ctx, model.PayoutStatusPending, nil, before, limit)
	if err != nil {
		return 0, err
	}
	for _, payout := range stalled {
		if err := s.markSent(ctx, payout, "", "disbursement not recorded, awaiting result"); err != nil {
			continue
		}
		s.logger.Warn("stalled payout moved to processing",
			slog.String("payout_no", payout.PayoutNo),
			slog.Int64("vendor_id", payout.VendorID),
			slog.Int64("amount", payout.DebitedAmount))
		moved++
	}

	verifiable := s.verifiableRails()
	if len(verifiable) == 0 {
		return moved, nil
	}
	processing, err := s.payoutRepo.ListStale(ctx, model.PayoutStatusProcessing, verifiable, before, limit)
	if err != nil {
		return moved, err
	}
	for _, payout := range processing {
		outcome, err := s.recheckProcessing(ctx, payout)
		if err != nil {
			s.logger.Warn("payout recheck failed",
				slog.String("payout_no", payout.PayoutNo),
				slog.Any("error", err))
		}
		switch outcome {
		case OutcomePayoutPaid, OutcomePayoutFailed:
			moved++
		default:
			if err := s.payoutRepo.Touch(ctx, payout.ID); err != nil {
				s.logger.Warn("touch payout failed", slog.Int64("payout_id", payout.ID), slog.Any("error", err))
			}
		}
	}
	return moved, nil
}

func (s *PayoutService) recheckProcessing(ctx context.Context, payout *model.Payout) (string, error) {
	state, err := s.verifyPayout(ctx, gateway.Name(payout.Method), payout)
	if err != nil || state == nil {
		return OutcomePending, err
	}
	switch state.Status {
	case gateway.StatusCompleted:
		return s.settlePaid(ctx, payout)
	case gateway.StatusFailed:
		return s.settleFailed(ctx, payout, state.Description)
	}
	return OutcomePending, nil
}

// verifiableRails lists the enabled rails that answer transfer status queries.
func (s *PayoutService) verifiableRails() []string {
	var out []string
	for _, name := range s.registry.Names() {
		adapter, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if _, ok := adapter.(gateway.PayoutVerifier); ok {
			out = append(out, string(name))
		}
	}
	return out
}

// reserve takes the whole balance and records the pending payout in one
// transaction.
func (s *PayoutService) reserve(ctx context.Context, vendorID int64, account *model.VendorPayoutAccount, method string, p payoutPolicy) (*model.Payout, error) {
	var payout *model.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var available int64
		var version int
		balance, err := s.balanceRepo.GetByVendorID(ctx, tx, vendorID)
		switch {
		case err == nil:
			available, version = balance.PendingBalance, balance.Version
		case errors.Is(err, repository.ErrBalanceNotFound):
		default:
			return err
		}

		amount, charge, rej := s.quote(p, available)
		if rej != nil {
			return rej
		}
		if err := s.balanceRepo.TakeAll(ctx, tx, vendorID, available, version); err != nil {
			return err
		}

		payoutNo := idgen.GeneratePayoutNo()
		tracking := payoutNo
		payout = &model.Payout{
			PayoutNo:      payoutNo,
			VendorID:      vendorID,
			Amount:        amount,
			Fee:           charge,
			DebitedAmount: available,
			FeeBearer:     p.bearer,
			Method:        method,
			Destination:   account.AccountNumber,
			TrackingRef:   &tracking,
			Status:        model.PayoutStatusPending,
			TriggerType:   p.trigger,
		}
		if err := s.payoutRepo.Create(ctx, tx, payout); err != nil {
			return fmt.Errorf("创建出款记录失败: %w", err)
		}
		if err := s.payoutRepo.ClaimReleases(ctx, tx, vendorID, payout.ID); err != nil {
			return err
		}
		return s.outboxRepo.Enqueue(ctx, tx, model.EventPayoutInitiated, payoutNo, payoutEvent(payout))
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// markSent records a disbursement the rail accepted, or may have accepted.
func (s *PayoutService) markSent(ctx context.Context, payout *model.Payout, tracking, note string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.MarkProcessing(ctx, tx, payout.ID, tracking, note); err != nil {
			return err
		}
		return s.balanceRepo.RecordPaidOut(ctx, tx, payout.VendorID, payout.DebitedAmount, now)
	})
	if err != nil {
		s.logger.Error("disbursement sent but not recorded",
			slog.String("payout_no", payout.PayoutNo),
			slog.String("tracking_ref", tracking),
			slog.Any("error", err))
		return err
	}
	payout.Status = model.PayoutStatusProcessing
	payout.FailureReason = note
	if tracking != "" {
		payout.TrackingRef = &tracking
	}
	return nil
}

// failReserved undoes a reservation whose disbursement was refused.
func (s *PayoutService) failReserved(ctx context.Context, payout *model.Payout, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.MarkFailed(ctx, tx, payout.ID, []string{model.PayoutStatusPending}, reason); err != nil {
			return err
		}
		if err := s.balanceRepo.Restore(ctx, tx, payout.VendorID, payout.DebitedAmount); err != nil {
			return err
		}
		if err := s.payoutRepo.ReleaseClaims(ctx, tx, payout.ID); err != nil {
			return err
		}
		payout.Status = model.PayoutStatusFailed
		payout.FailureReason = reason
		return s.outboxRepo.Enqueue(ctx, tx, model.EventPayoutFailed, payout.PayoutNo, payoutEvent(payout))
	})
	if err != nil {
		payout.Status = model.PayoutStatusPending
	}
	return err
}

// PayoutResult is what a transfer result callback claims.
type PayoutResult struct {
	Gateway gateway.Name
	// Refs are tried as the rail's tracking id, then as our payout number.
	Refs        []string
	Succeeded   bool
	Description string
	// Authenticated is set when the callback proved it came from the rail.
	Authenticated bool
}

// ApplyResult settles a disbursement from the rail's asynchronous result.
// The rail's transfer status query wins over the callback when there is one;
// otherwise only an authenticated callback is applied.
func (s *PayoutService) ApplyResult(ctx context.Context, res PayoutResult) (string, error) {
	payout, err := s.findPayout(ctx, res.Gateway, res.Refs)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutNotFound) {
			return OutcomeUnknownReference, nil
		}
		return "", err
	}

	switch payout.Status {
	case model.PayoutStatusPaid, model.PayoutStatusFailed:
		return OutcomeDuplicate, nil
	case model.PayoutStatusPending:
		return "", ErrPayoutInFlight
	}

	succeeded, description := res.Succeeded, res.Description
	state, err := s.verifyPayout(ctx, res.Gateway, payout)
	switch {
	case err != nil:
		return "", err
	case state != nil:
		switch state.Status {
		case gateway.StatusPending:
			return OutcomePending, nil
		case gateway.StatusCompleted:
			succeeded = true
		case gateway.StatusFailed:
			succeeded = false
			description = firstNonEmpty(state.Description, description)
		}
	case !res.Authenticated:
		s.logger.Warn("unauthenticated payout result left for review",
			slog.String("payout_no", payout.PayoutNo),
			slog.String("gateway", string(res.Gateway)),
			slog.Bool("claimed_success", res.Succeeded))
		return OutcomeUnverified, nil
	}

	if succeeded {
		return s.settlePaid(ctx, payout)
	}
	return s.settleFailed(ctx, payout, description)
}

// verifyPayout asks the rail for the transfer status. A nil state without an
// error means the rail cannot answer and the caller has only the callback.
func (s *PayoutService) verifyPayout(ctx context.Context, gw gateway.Name, payout *model.Payout) (*gateway.PayoutState, error) {
	adapter, err := s.registry.Get(gw)
	if err != nil {
		return nil, nil
	}
	verifier, ok := adapter.(gateway.PayoutVerifier)
	if !ok {
		return nil, nil
	}
	state, err := verifier.VerifyPayout(ctx, payout.Tracking())
	if err != nil {
		if gateway.IsRetryable(err) {
			return nil, fmt.Errorf("verify payout %s: %w", payout.PayoutNo, err)
		}
		s.logger.Warn("payout status query rejected",
			slog.String("payout_no", payout.PayoutNo),
			slog.Any("error", err))
		return nil, nil
	}
	return state, nil
}

func (s *PayoutService) findPayout(ctx context.Context, gw gateway.Name, refs []string) (*model.Payout, error) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		payout, err := s.payoutRepo.GetByTracking(ctx, string(gw), ref)
		if errors.Is(err, repository.ErrPayoutNotFound) {
			payout, err = s.payoutRepo.GetByPayoutNo(ctx, ref)
		}
		if err == nil {
			if payout.TriggerType == model.PayoutTriggerEscrowRelease {
				continue
			}
			return payout, nil
		}
		if !errors.Is(err, repository.ErrPayoutNotFound) {
			return nil, err
		}
	}
	return nil, repository.ErrPayoutNotFound
}

func (s *PayoutService) settlePaid(ctx context.Context, payout *model.Payout) (string, error) {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.MarkPaid(ctx, tx, payout.ID, now); err != nil {
			return err
		}
		if err := s.payoutRepo.SettleReleases(ctx, tx, payout.ID, now); err != nil {
			return err
		}
		payout.Status = model.PayoutStatusPaid
		payout.PaidAt = &now
		return s.outboxRepo.Enqueue(ctx, tx, model.EventPayoutPaid, payout.PayoutNo, payoutEvent(payout))
	})
	if errors.Is(err, repository.ErrPayoutStatusInvalid) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	s.metrics.RecordPayout(payout.TriggerType, model.PayoutStatusPaid, s.cfg.Settlement.Currency, payout.FeeBearer, payout.Amount, payout.Fee)
	return OutcomePayoutPaid, nil
}

// settleFailed returns the funds of a disbursement the rail accepted and
// later failed.
func (s *PayoutService) settleFailed(ctx context.Context, payout *model.Payout, reason string) (string, error) {
	if reason == "" {
		reason = "rail reported the transfer failed"
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payoutRepo.MarkFailed(ctx, tx, payout.ID, []string{model.PayoutStatusProcessing}, reason); err != nil {
			return err
		}
		if err := s.balanceRepo.ReversePaidOut(ctx, tx, payout.VendorID, payout.DebitedAmount); err != nil {
			return err
		}
		if err := s.payoutRepo.ReleaseClaims(ctx, tx, payout.ID); err != nil {
			return err
		}
		payout.Status = model.PayoutStatusFailed
		payout.FailureReason = reason
		return s.outboxRepo.Enqueue(ctx, tx, model.EventPayoutFailed, payout.PayoutNo, payoutEvent(payout))
	})
	if errors.Is(err, repository.ErrPayoutStatusInvalid) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	s.metrics.RecordPayout(payout.TriggerType, model.PayoutStatusFailed, s.cfg.Settlement.Currency, payout.FeeBearer, payout.Amount, payout.Fee)
	s.logger.Warn("payout failed after acceptance, balance restored",
		slog.String("payout_no", payout.PayoutNo),
		slog.Int64("vendor_id", payout.VendorID),
		slog.Int64("amount", payout.DebitedAmount),
		slog.String("reason", reason))
	return OutcomePayoutFailed, nil
}

func payoutEvent(p *model.Payout) map[string]interface{} {
	return map[string]interface{}{
		"payout_no":    p.PayoutNo,
		"vendor_id":    p.VendorID,
		"trigger":      p.TriggerType,
		"amount":       p.Amount,
		"fee":          p.Fee,
		"fee_bearer":   p.FeeBearer,
		"debited":      p.DebitedAmount,
		"method":       p.Method,
		"tracking_ref": p.Tracking(),
		"status":       p.Status,
		"reason":       p.FailureReason,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
