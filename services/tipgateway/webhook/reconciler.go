package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ecotip/observability"
	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/ledger"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/processor"
)

// Outcomes recorded against each verified delivery.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
)

// TipCompleter applies a tip completion.
type TipCompleter interface {
	CompleteTip(ctx context.Context, paymentReference string) (*ledger.Completion, error)
}

// Onboarder flips a payout account to onboarded.
type Onboarder interface {
	MarkOnboarded(ctx context.Context, accountID string) (bool, error)
}

// Config captures the reconciler dependencies.
type Config struct {
	DB       *gorm.DB
	Verifier processor.Verifier
	Tips     TipCompleter
	Accounts Onboarder
	Metrics  *observability.TipMetrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Reconciler turns verified processor events into ledger and registry updates.
type Reconciler struct {
	db       *gorm.DB
	verifier processor.Verifier
	tips     TipCompleter
	accounts Onboarder
	metrics  *observability.TipMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// Result is the acknowledgement returned to the processor.
type Result struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
}

// New constructs a reconciler.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		db:       cfg.DB,
		verifier: cfg.Verifier,
		tips:     cfg.Tips,
		accounts: cfg.Accounts,
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("component", "webhook")),
		now:      now,
	}
}

type paymentIntentObject struct {
	ID string `json:"id"`
}

type accountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted *bool  `json:"details_submitted"`
	ChargesEnabled   *bool  `json:"charges_enabled"`
	PayoutsEnabled   *bool  `json:"payouts_enabled"`
}

// Handle verifies the delivery and applies it. A nil error means the
// delivery should be acknowledged, including for event kinds the service does
// not act on and for payments whose tip is unknown. Signature failures return
// ErrInvalidSignature, undecodable objects ErrMalformedEvent, and storage
// failures ErrPersistence so the processor retries.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	const op = "webhook.handle"
	event, err := r.verifier.ConstructEvent(payload, signatureHeader)
	if err != nil {
		r.metrics.RecordWebhook("unverified", "invalid_signature")
		r.logger.Warn("webhook signature rejected", slog.Any("error", err))
		if !errors.Is(err, apperr.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
		}
		return Result{}, err
	}
	result := Result{EventID: event.ID, Kind: event.Type}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		r.metrics.RecordWebhook(event.Type, "malformed")
		return result, apperr.Malformed(op, "event id and type are required")
	}

	act, err := decodeAction(event)
	if err != nil {
		r.metrics.RecordWebhook(event.Type, "malformed")
		r.logger.Warn("webhook object rejected",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Type),
			slog.Any("error", err))
		return result, err
	}

	if err := r.recordReceived(ctx, event); err != nil {
		r.metrics.RecordWebhook(event.Type, OutcomeFailed)
		return result, apperr.Persistence(op, err)
	}

	outcome, err := r.apply(ctx, event.ID, act)
	result.Outcome = outcome
	r.recordOutcome(ctx, event.ID, outcome, err)
	r.metrics.RecordWebhook(event.Type, outcome)
	if err != nil {
		r.logger.Error("webhook processing failed",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Type),
			slog.Any("error", err))
		return result, err
	}
	r.logger.Info("webhook processed",
		slog.String("event_id", event.ID),
		slog.String("kind", event.Type),
		slog.String("outcome", outcome))
	return result, nil
}

// action is the validated effect of a delivery. Both fields empty means the
// delivery is acknowledged without changing state.
type action struct {
	paymentReference string
	account          *processor.AccountStatus
}

// decodeAction validates the event object so malformed deliveries are
// rejected before anything is written.
func decodeAction(event processor.Event) (action, error) {
	switch event.Type {
	case processor.EventPaymentSucceeded:
		const op = "webhook.payment_succeeded"
		var intent paymentIntentObject
		if len(event.Data) == 0 || json.Unmarshal(event.Data, &intent) != nil {
			return action{}, apperr.Malformed(op, "payment intent object is not decodable")
		}
		if strings.TrimSpace(intent.ID) == "" {
			return action{}, apperr.Malformed(op, "payment intent id is required")
		}
		return action{paymentReference: intent.ID}, nil
	case processor.EventAccountUpdated:
		const op = "webhook.account_updated"
		var account accountObject
		if len(event.Data) == 0 || json.Unmarshal(event.Data, &account) != nil {
			return action{}, apperr.Malformed(op, "account object is not decodable")
		}
		if strings.TrimSpace(account.ID) == "" || account.DetailsSubmitted == nil || account.ChargesEnabled == nil || account.PayoutsEnabled == nil {
			return action{}, apperr.Malformed(op, "account id and onboarding flags are required")
		}
		return action{account: &processor.AccountStatus{
			ID:               account.ID,
			DetailsSubmitted: *account.DetailsSubmitted,
			ChargesEnabled:   *account.ChargesEnabled,
			PayoutsEnabled:   *account.PayoutsEnabled,
		}}, nil
	default:
		return action{}, nil
	}
}

func (r *Reconciler) apply(ctx context.Context, eventID string, act action) (string, error) {
	switch {
	case act.paymentReference != "":
		return r.completeTip(ctx, eventID, act.paymentReference)
	case act.account != nil:
		return r.markOnboarded(ctx, *act.account)
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) completeTip(ctx context.Context, eventID, reference string) (string, error) {
	completion, err := r.tips.CompleteTip(ctx, reference)
	if err != nil {
		if errors.Is(err, apperr.ErrTipNotFound) {
			r.logger.Warn("payment succeeded for unknown tip",
				slog.String("event_id", eventID),
				slog.String("payment_reference", reference))
			return OutcomeNotFound, nil
		}
		return OutcomeFailed, err
	}
	if !completion.Applied {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

func (r *Reconciler) markOnboarded(ctx context.Context, status processor.AccountStatus) (string, error) {
	if !status.Onboarded() {
		return OutcomeIgnored, nil
	}
	changed, err := r.accounts.MarkOnboarded(ctx, status.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

// recordReceived inserts the delivery or bumps its delivery counter.
func (r *Reconciler) recordReceived(ctx context.Context, event processor.Event) error {
	row := models.WebhookEvent{
		ID:         event.ID,
		Kind:       event.Type,
		Outcome:    "received",
		Deliveries: 1,
		ReceivedAt: r.now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"deliveries": gorm.Expr("webhook_events.deliveries + 1"),
		}),
	}).Create(&row).Error
}

func (r *Reconciler) recordOutcome(ctx context.Context, eventID, outcome string, cause error) {
	processed := r.now().UTC()
	updates := map[string]any{
		"outcome":      outcome,
		"error":        "",
		"processed_at": &processed,
	}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		r.logger.Warn("webhook outcome not recorded",
			slog.String("event_id", eventID),
			slog.Any("error", err))
	}
}
