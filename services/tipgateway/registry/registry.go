package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ecotip/observability/logging"
	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/processor"
	"ecotip/services/tipgateway/storage"
)

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

// TotalsInitializer creates the zeroed impact row for a new creator.
type TotalsInitializer interface {
	Init(tx *gorm.DB, creatorID uuid.UUID) error
}

// Registry maps creators to their payout accounts and onboarding state.
type Registry struct {
	db        *gorm.DB
	processor processor.Client
	totals    TotalsInitializer
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

// Config captures the registry dependencies.
type Config struct {
	DB        *gorm.DB
	Processor processor.Client
	Totals    TotalsInitializer
	PublicURL string
	Logger    *slog.Logger
	Now       func() time.Time
}

// New constructs a registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		db:        cfg.DB,
		processor: cfg.Processor,
		totals:    cfg.Totals,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    logger.With(slog.String("component", "registry")),
		now:       now,
		newID:     uuid.New,
	}
}

// RegisterInput is the payload for creator sign-up.
type RegisterInput struct {
	Handle      string
	Email       string
	DisplayName string
	Bio         string
}

// Validate normalises the input and reports the first problem found.
func (in *RegisterInput) Validate() error {
	in.Handle = strings.TrimSpace(in.Handle)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Bio = strings.TrimSpace(in.Bio)
	if !handlePattern.MatchString(in.Handle) {
		return apperr.Validation("registry.register", "handle must be 3-20 characters of letters, digits, '_' or '-'")
	}
	if in.Email == "" {
		return apperr.Validation("registry.register", "email is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return apperr.Validation("registry.register", "email is invalid")
	}
	if len(in.DisplayName) > 100 {
		return apperr.Validation("registry.register", "display name must be at most 100 characters")
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Handle
	}
	// Handles are stored lowercased so the unique index is case-insensitive.
	in.Handle = strings.ToLower(in.Handle)
	return nil
}

// Register creates a creator with a provisioned payout account and zeroed
// impact totals. The payout account is created first; if the processor
// fails nothing is stored.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*models.Creator, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := r.ensureUnique(ctx, in.Handle, in.Email); err != nil {
		return nil, err
	}

	creatorID := r.newID()
	accountID, err := r.processor.CreatePayoutAccount(ctx, processor.AccountRequest{
		CreatorID:   creatorID.String(),
		Handle:      in.Handle,
		Email:       in.Email,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return nil, ensureProviderErr("registry.register", err)
	}

	now := r.now().UTC()
	creator := models.Creator{
		ID:              creatorID,
		Handle:          in.Handle,
		Email:           in.Email,
		DisplayName:     in.DisplayName,
		Bio:             in.Bio,
		PayoutAccountID: &accountID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&creator).Error; err != nil {
			return err
		}
		if r.totals != nil {
			return r.totals.Init(tx, creator.ID)
		}
		return nil
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.Conflict("registry.register", "handle or email already registered")
		}
		r.logger.Error("creator insert failed after payout account creation",
			slog.String("handle", in.Handle),
			slog.String("payout_account", accountID),
			slog.Any("error", err))
		return nil, apperr.Persistence("registry.register", err)
	}
	r.logger.Info("creator registered",
		slog.String("handle", creator.Handle),
		logging.MaskEmail("email", creator.Email))
	return &creator, nil
}

func (r *Registry) ensureUnique(ctx context.Context, handle, email string) error {
	var existing models.Creator
	err := r.db.WithContext(ctx).
		Where("handle = ? OR email = ?", strings.ToLower(handle), email).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("registry.register", err)
	}
	if strings.EqualFold(existing.Email, email) {
		return apperr.Conflict("registry.register", "email already in use")
	}
	return apperr.Conflict("registry.register", "handle already taken")
}

// Provision attaches a payout account to a creator that does not have one yet.
// Processor failures leave the creator untouched.
func (r *Registry) Provision(ctx context.Context, creatorID uuid.UUID, email string) (string, error) {
	creator, err := r.ByID(ctx, creatorID)
	if err != nil {
		return "", err
	}
	if creator.PayoutAccountID != nil && *creator.PayoutAccountID != "" {
		return *creator.PayoutAccountID, nil
	}
	if strings.TrimSpace(email) == "" {
		email = creator.Email
	}
	accountID, err := r.processor.CreatePayoutAccount(ctx, processor.AccountRequest{
		CreatorID:   creator.ID.String(),
		Handle:      creator.Handle,
		Email:       email,
		DisplayName: creator.DisplayName,
	})
	if err != nil {
		return "", ensureProviderErr("registry.provision", err)
	}
	res := r.db.WithContext(ctx).Model(&models.Creator{}).
		Where("id = ? AND payout_account_id IS NULL", creatorID).
		Updates(map[string]any{"payout_account_id": accountID, "updated_at": r.now().UTC()})
	if res.Error != nil {
		return "", apperr.Persistence("registry.provision", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race with a concurrent provision; keep the stored account.
		current, err := r.ByID(ctx, creatorID)
		if err != nil {
			return "", err
		}
		if current.PayoutAccountID != nil {
			return *current.PayoutAccountID, nil
		}
	}
	return accountID, nil
}

// MarkOnboarded flips the onboarding flag for the creator owning accountID.
// Unknown accounts and already-onboarded creators are left unchanged.
func (r *Registry) MarkOnboarded(ctx context.Context, accountID string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, apperr.Validation("registry.mark_onboarded", "payout account id is required")
	}
	res := r.db.WithContext(ctx).Model(&models.Creator{}).
		Where("payout_account_id = ? AND payout_onboarded = ?", accountID, false).
		Updates(map[string]any{"payout_onboarded": true, "updated_at": r.now().UTC()})
	if res.Error != nil {
		return false, apperr.Persistence("registry.mark_onboarded", res.Error)
	}
	if res.RowsAffected > 0 {
		r.logger.Info("payout account onboarded", slog.String("payout_account", accountID))
	}
	return res.RowsAffected > 0, nil
}

// IsReadyToReceive reports whether the creator has a payout account that
// finished onboarding.
func (r *Registry) IsReadyToReceive(ctx context.Context, creatorID uuid.UUID) (bool, error) {
	creator, err := r.ByID(ctx, creatorID)
	if err != nil {
		return false, err
	}
	return creator.ReadyToReceive(), nil
}

// OnboardingLink returns a hosted onboarding URL for the creator's payout account.
func (r *Registry) OnboardingLink(ctx context.Context, creatorID uuid.UUID) (string, error) {
	creator, err := r.ByID(ctx, creatorID)
	if err != nil {
		return "", err
	}
	accountID := ""
	if creator.PayoutAccountID != nil {
		accountID = *creator.PayoutAccountID
	}
	if accountID == "" {
		if accountID, err = r.Provision(ctx, creatorID, creator.Email); err != nil {
			return "", err
		}
	}
	refreshURL := fmt.Sprintf("%s/dashboard/payouts?refresh=true", r.publicURL)
	returnURL := fmt.Sprintf("%s/dashboard/payouts?success=true", r.publicURL)
	url, err := r.processor.CreateOnboardingLink(ctx, accountID, refreshURL, returnURL)
	if err != nil {
		return "", ensureProviderErr("registry.onboarding_link", err)
	}
	return url, nil
}

// RefreshStatus polls the processor for the account flags and marks the
// creator onboarded when every flag is set. It covers missed webhooks.
func (r *Registry) RefreshStatus(ctx context.Context, creatorID uuid.UUID) (bool, error) {
	creator, err := r.ByID(ctx, creatorID)
	if err != nil {
		return false, err
	}
	if creator.PayoutAccountID == nil || *creator.PayoutAccountID == "" {
		return false, nil
	}
	if creator.PayoutOnboarded {
		return true, nil
	}
	status, err := r.processor.RetrieveAccount(ctx, *creator.PayoutAccountID)
	if err != nil {
		return false, ensureProviderErr("registry.refresh_status", err)
	}
	if !status.Onboarded() {
		return false, nil
	}
	if _, err := r.MarkOnboarded(ctx, *creator.PayoutAccountID); err != nil {
		return false, err
	}
	return true, nil
}

// ByID loads a creator by identifier.
func (r *Registry) ByID(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error) {
	var creator models.Creator
	if err := r.db.WithContext(ctx).First(&creator, "id = ?", creatorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.CreatorNotFound("registry.by_id")
		}
		return nil, apperr.Persistence("registry.by_id", err)
	}
	return &creator, nil
}

// ByHandle loads a creator by public handle, case-insensitively.
func (r *Registry) ByHandle(ctx context.Context, handle string) (*models.Creator, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return nil, apperr.CreatorNotFound("registry.by_handle")
	}
	var creator models.Creator
	if err := r.db.WithContext(ctx).First(&creator, "handle = ?", handle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.CreatorNotFound("registry.by_handle")
		}
		return nil, apperr.Persistence("registry.by_handle", err)
	}
	return &creator, nil
}

func ensureProviderErr(op string, err error) error {
	if errors.Is(err, apperr.ErrExternalProvider) || errors.Is(err, apperr.ErrValidation) {
		return err
	}
	return apperr.Provider(op, err, false)
}
