package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ecotip/observability"
	"ecotip/observability/logging"
	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/processor"
)

const (
	maxMessageLength    = 500
	maxSenderNameLength = 100
)

// CreatorLookup resolves the creator a tip is destined for.
type CreatorLookup interface {
	ByID(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error)
}

// ImpactIncrementer credits units to a creator inside an open transaction.
type ImpactIncrementer interface {
	Increment(tx *gorm.DB, creatorID uuid.UUID, units int64) error
}

// CompletionHook observes tips after their completion commits.
type CompletionHook func(ctx context.Context, tip CompletedTip)

// Ledger records tip attempts and applies their completion exactly once.
type Ledger struct {
	db         *gorm.DB
	processor  processor.Client
	creators   CreatorLookup
	impact     ImpactIncrementer
	feePercent decimal.Decimal
	currency   string
	metrics    *observability.TipMetrics
	logger     *slog.Logger
	hooks      []CompletionHook
	now        func() time.Time
	newID      func() uuid.UUID
}

// Config captures the ledger dependencies.
type Config struct {
	DB         *gorm.DB
	Processor  processor.Client
	Creators   CreatorLookup
	Impact     ImpactIncrementer
	FeePercent decimal.Decimal
	Currency   string
	Metrics    *observability.TipMetrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// New constructs a ledger.
func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &Ledger{
		db:         cfg.DB,
		processor:  cfg.Processor,
		creators:   cfg.Creators,
		impact:     cfg.Impact,
		feePercent: cfg.FeePercent,
		currency:   currency,
		metrics:    cfg.Metrics,
		logger:     logger.With(slog.String("component", "ledger")),
		now:        now,
		newID:      uuid.New,
	}
}

// OnComplete registers a hook invoked after each applied completion commits.
// Register hooks before serving traffic.
func (l *Ledger) OnComplete(hook CompletionHook) {
	if hook != nil {
		l.hooks = append(l.hooks, hook)
	}
}

// TipInput is a supporter's request to tip a creator.
type TipInput struct {
	CreatorID   uuid.UUID
	Amount      decimal.Decimal
	Message     string
	SenderName  string
	SenderEmail string
}

func (in *TipInput) validate() error {
	const op = "ledger.create_pending_tip"
	in.Message = strings.TrimSpace(in.Message)
	in.SenderName = strings.TrimSpace(in.SenderName)
	in.SenderEmail = strings.ToLower(strings.TrimSpace(in.SenderEmail))
	if in.CreatorID == uuid.Nil {
		return apperr.Validation(op, "creator is required")
	}
	if !in.Amount.IsPositive() {
		return apperr.Validation(op, "amount must be positive")
	}
	if MinorUnits(in.Amount) < 1 {
		return apperr.Validation(op, "amount must be at least 0.01")
	}
	if in.Amount.GreaterThan(MaxAmount) {
		return apperr.Validationf(op, "amount must not exceed %s", MaxAmount.StringFixed(2))
	}
	if utf8.RuneCountInString(in.Message) > maxMessageLength {
		return apperr.Validationf(op, "message must be at most %d characters", maxMessageLength)
	}
	if utf8.RuneCountInString(in.SenderName) > maxSenderNameLength {
		return apperr.Validationf(op, "sender name must be at most %d characters", maxSenderNameLength)
	}
	if in.SenderEmail != "" {
		if _, err := mail.ParseAddress(in.SenderEmail); err != nil {
			return apperr.Validation(op, "sender email is invalid")
		}
	}
	return nil
}

// PendingTip is returned to the supporter to confirm payment client-side.
type PendingTip struct {
	TipID             uuid.UUID
	PaymentReference  string
	ConfirmationToken string
	AmountCents       int64
	Units             int64
}

// CreatePendingTip validates the tip, checks the creator can be paid, opens a
// payment intent and stores the pending tip before handing back the
// confirmation token. A storage failure after the intent exists surfaces as a
// persistence error; the orphaned intent simply never completes.
func (l *Ledger) CreatePendingTip(ctx context.Context, in TipInput) (*PendingTip, error) {
	const op = "ledger.create_pending_tip"
	if err := in.validate(); err != nil {
		l.metrics.RecordTipCreated("invalid")
		return nil, err
	}

	creator, err := l.creators.ByID(ctx, in.CreatorID)
	if err != nil {
		return nil, err
	}
	if !creator.ReadyToReceive() {
		l.metrics.RecordTipCreated("not_payable")
		return nil, apperr.NotPayable(op)
	}

	tipID := l.newID()
	amountMinor := MinorUnits(in.Amount)
	units := ImpactUnits(in.Amount)
	fee := PlatformFee(amountMinor, l.feePercent)

	intent, err := l.processor.CreatePaymentIntent(ctx, processor.PaymentIntentRequest{
		AmountMinor:      amountMinor,
		Currency:         l.currency,
		DestinationID:    *creator.PayoutAccountID,
		PlatformFeeMinor: fee,
		ReceiptEmail:     in.SenderEmail,
		Description:      "Tip for " + creator.Handle,
		Metadata: processor.TipMetadata{
			CreatorHandle: creator.Handle,
			TipID:         tipID.String(),
			Units:         units,
			TipType:       processor.TipTypeStandard,
		},
	})
	if err != nil {
		l.metrics.RecordTipCreated("provider_error")
		if !errors.Is(err, apperr.ErrExternalProvider) && !errors.Is(err, apperr.ErrValidation) {
			err = apperr.Provider(op, err, false)
		}
		return nil, err
	}

	tip := models.Tip{
		ID:               tipID,
		CreatorID:        creator.ID,
		Amount:           in.Amount.Round(2),
		AmountCents:      amountMinor,
		PlatformFeeCents: fee,
		Currency:         l.currency,
		Units:            units,
		Message:          in.Message,
		SenderName:       in.SenderName,
		SenderEmail:      in.SenderEmail,
		PaymentReference: intent.ID,
		Status:           models.TipStatusPending,
		CreatedAt:        l.now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&tip).Error; err != nil {
		l.metrics.RecordTipCreated("persistence_error")
		l.logger.Error("pending tip insert failed after payment intent creation",
			slog.String("tip_id", tipID.String()),
			slog.String("payment_reference", intent.ID),
			slog.Any("error", err))
		return nil, apperr.Persistence(op, err)
	}

	l.metrics.RecordTipCreated("created")
	l.logger.Info("pending tip created",
		slog.String("tip_id", tipID.String()),
		slog.String("handle", creator.Handle),
		slog.Int64("amount_cents", amountMinor),
		slog.Int64("units", units),
		logging.MaskEmail("sender_email", in.SenderEmail))
	return &PendingTip{
		TipID:             tipID,
		PaymentReference:  intent.ID,
		ConfirmationToken: intent.ClientSecret,
		AmountCents:       amountMinor,
		Units:             units,
	}, nil
}

// CompletedTip describes a tip whose completion was applied.
type CompletedTip struct {
	TipID       uuid.UUID
	CreatorID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Units       int64
	Message     string
	SenderName  string
	CompletedAt time.Time
}

// Completion reports the outcome of CompleteTip.
type Completion struct {
	Tip CompletedTip
	// Applied is false when the tip had already been completed.
	Applied bool
}

// CompleteTip marks the tip identified by paymentReference as completed and
// credits its units to the creator in the same transaction. The status flip is
// a conditional update from pending, so duplicate and concurrent deliveries
// credit the creator once; repeats return Applied=false with no error.
func (l *Ledger) CompleteTip(ctx context.Context, paymentReference string) (*Completion, error) {
	const op = "ledger.complete_tip"
	reference := strings.TrimSpace(paymentReference)
	if reference == "" {
		return nil, apperr.Validation(op, "payment reference is required")
	}

	var result Completion
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Write first so the transaction holds the write lock before it reads.
		now := l.now().UTC()
		res := tx.Model(&models.Tip{}).
			Where("payment_reference = ? AND status = ?", reference, models.TipStatusPending).
			Updates(map[string]any{"status": models.TipStatusCompleted, "completed_at": now})
		if res.Error != nil {
			return res.Error
		}

		var tip models.Tip
		if err := tx.First(&tip, "payment_reference = ?", reference).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.TipNotFound(op, reference)
			}
			return err
		}
		result.Tip = completedView(tip)
		if res.RowsAffected == 0 {
			return nil
		}
		if err := l.impact.Increment(tx, tip.CreatorID, tip.Units); err != nil {
			return err
		}
		result.Applied = true
		result.Tip.CompletedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrTipNotFound) {
			l.metrics.RecordCompletion("not_found", 0)
			return nil, err
		}
		l.metrics.RecordCompletion("error", 0)
		return nil, apperr.Persistence(op, err)
	}

	if !result.Applied {
		l.metrics.RecordCompletion("duplicate", result.Tip.Units)
		l.logger.Info("tip already completed", slog.String("payment_reference", reference))
		return &result, nil
	}
	l.metrics.RecordCompletion("applied", result.Tip.Units)
	l.logger.Info("tip completed",
		slog.String("tip_id", result.Tip.TipID.String()),
		slog.String("payment_reference", reference),
		slog.Int64("units", result.Tip.Units))
	for _, hook := range l.hooks {
		hook(ctx, result.Tip)
	}
	return &result, nil
}

func completedView(tip models.Tip) CompletedTip {
	view := CompletedTip{
		TipID:      tip.ID,
		CreatorID:  tip.CreatorID,
		Amount:     tip.Amount,
		Currency:   tip.Currency,
		Units:      tip.Units,
		Message:    tip.Message,
		SenderName: tip.SenderName,
	}
	if tip.CompletedAt != nil {
		view.CompletedAt = *tip.CompletedAt
	}
	return view
}
