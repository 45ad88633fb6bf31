package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/impact"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/processor"
)

type stubProcessor struct {
	createAccountFn func(context.Context, processor.AccountRequest) (string, error)
	linkFn          func(context.Context, string, string, string) (string, error)
	retrieveFn      func(context.Context, string) (processor.AccountStatus, error)
	accountCalls    int
}

func (s *stubProcessor) CreatePayoutAccount(ctx context.Context, req processor.AccountRequest) (string, error) {
	s.accountCalls++
	if s.createAccountFn != nil {
		return s.createAccountFn(ctx, req)
	}
	return "acct_" + req.Handle, nil
}

func (s *stubProcessor) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	if s.linkFn != nil {
		return s.linkFn(ctx, accountID, refreshURL, returnURL)
	}
	return "https://connect.example/" + accountID, nil
}

func (s *stubProcessor) RetrieveAccount(ctx context.Context, accountID string) (processor.AccountStatus, error) {
	if s.retrieveFn != nil {
		return s.retrieveFn(ctx, accountID)
	}
	return processor.AccountStatus{ID: accountID}, nil
}

func (s *stubProcessor) CreatePaymentIntent(context.Context, processor.PaymentIntentRequest) (processor.PaymentIntent, error) {
	return processor.PaymentIntent{}, errors.New("not used")
}

func setupRegistryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestRegistry(t *testing.T, stub *stubProcessor) (*Registry, *gorm.DB) {
	t.Helper()
	db := setupRegistryTestDB(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reg := New(Config{
		DB:        db,
		Processor: stub,
		Totals:    impact.NewAggregator(decimal.RequireFromString("0.06")),
		PublicURL: "https://tips.example/",
		Now:       func() time.Time { return now },
	})
	return reg, db
}

func TestRegisterProvisionsAccountAndTotals(t *testing.T) {
	stub := &stubProcessor{}
	reg, db := newTestRegistry(t, stub)

	creator, err := reg.Register(context.Background(), RegisterInput{Handle: "alice", Email: " Alice@Example.com "})
	require.NoError(t, err)
	require.Equal(t, "alice", creator.Handle)
	require.Equal(t, "alice@example.com", creator.Email)
	require.Equal(t, "alice", creator.DisplayName)
	require.NotNil(t, creator.PayoutAccountID)
	require.Equal(t, "acct_alice", *creator.PayoutAccountID)
	require.False(t, creator.PayoutOnboarded)

	var totals models.ImpactTotals
	require.NoError(t, db.First(&totals, "creator_id = ?", creator.ID).Error)
	require.Zero(t, totals.UnitsTotal)

	ready, err := reg.IsReadyToReceive(context.Background(), creator.ID)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestRegisterProcessorFailureStoresNothing(t *testing.T) {
	stub := &stubProcessor{createAccountFn: func(context.Context, processor.AccountRequest) (string, error) {
		return "", errors.New("stripe unavailable")
	}}
	reg, db := newTestRegistry(t, stub)

	_, err := reg.Register(context.Background(), RegisterInput{Handle: "bob", Email: "bob@example.com"})
	require.ErrorIs(t, err, apperr.ErrExternalProvider)

	var count int64
	require.NoError(t, db.Model(&models.Creator{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRegisterRejectsInvalidAndDuplicateInput(t *testing.T) {
	stub := &stubProcessor{}
	reg, _ := newTestRegistry(t, stub)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterInput{Handle: "al", Email: "al@example.com"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = reg.Register(ctx, RegisterInput{Handle: "has space", Email: "x@example.com"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = reg.Register(ctx, RegisterInput{Handle: "carol", Email: "not-an-email"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Zero(t, stub.accountCalls)

	_, err = reg.Register(ctx, RegisterInput{Handle: "carol", Email: "carol@example.com"})
	require.NoError(t, err)

	_, err = reg.Register(ctx, RegisterInput{Handle: "CAROL", Email: "other@example.com"})
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.ErrorContains(t, err, "handle already taken")

	_, err = reg.Register(ctx, RegisterInput{Handle: "carol2", Email: "carol@example.com"})
	require.ErrorContains(t, err, "email already in use")
	require.Equal(t, 1, stub.accountCalls)
}

func TestMarkOnboardedIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, &stubProcessor{})
	ctx := context.Background()
	creator, err := reg.Register(ctx, RegisterInput{Handle: "dana", Email: "dana@example.com"})
	require.NoError(t, err)

	changed, err := reg.MarkOnboarded(ctx, "acct_dana")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = reg.MarkOnboarded(ctx, "acct_dana")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = reg.MarkOnboarded(ctx, "acct_unknown")
	require.NoError(t, err)
	require.False(t, changed)

	ready, err := reg.IsReadyToReceive(ctx, creator.ID)
	require.NoError(t, err)
	require.True(t, ready)

	_, err = reg.MarkOnboarded(ctx, " ")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestProvisionKeepsExistingAccount(t *testing.T) {
	stub := &stubProcessor{}
	reg, db := newTestRegistry(t, stub)
	ctx := context.Background()

	creator := models.Creator{ID: uuid.New(), Handle: "erin", Email: "erin@example.com", DisplayName: "Erin"}
	require.NoError(t, db.Create(&creator).Error)

	accountID, err := reg.Provision(ctx, creator.ID, "")
	require.NoError(t, err)
	require.Equal(t, "acct_erin", accountID)

	again, err := reg.Provision(ctx, creator.ID, "")
	require.NoError(t, err)
	require.Equal(t, accountID, again)
	require.Equal(t, 1, stub.accountCalls)

	_, err = reg.Provision(ctx, uuid.New(), "")
	require.ErrorIs(t, err, apperr.ErrCreatorNotFound)
}

func TestOnboardingLinkUsesPublicURL(t *testing.T) {
	var gotRefresh, gotReturn string
	stub := &stubProcessor{linkFn: func(_ context.Context, accountID, refreshURL, returnURL string) (string, error) {
		gotRefresh, gotReturn = refreshURL, returnURL
		return "https://connect.example/onboard/" + accountID, nil
	}}
	reg, _ := newTestRegistry(t, stub)
	creator, err := reg.Register(context.Background(), RegisterInput{Handle: "frank", Email: "frank@example.com"})
	require.NoError(t, err)

	url, err := reg.OnboardingLink(context.Background(), creator.ID)
	require.NoError(t, err)
	require.Equal(t, "https://connect.example/onboard/acct_frank", url)
	require.Equal(t, "https://tips.example/dashboard/payouts?refresh=true", gotRefresh)
	require.Equal(t, "https://tips.example/dashboard/payouts?success=true", gotReturn)
}

func TestRefreshStatusRequiresAllFlags(t *testing.T) {
	status := processor.AccountStatus{DetailsSubmitted: true, ChargesEnabled: true}
	stub := &stubProcessor{retrieveFn: func(_ context.Context, accountID string) (processor.AccountStatus, error) {
		s := status
		s.ID = accountID
		return s, nil
	}}
	reg, _ := newTestRegistry(t, stub)
	ctx := context.Background()
	creator, err := reg.Register(ctx, RegisterInput{Handle: "gina", Email: "gina@example.com"})
	require.NoError(t, err)

	connected, err := reg.RefreshStatus(ctx, creator.ID)
	require.NoError(t, err)
	require.False(t, connected)

	status.PayoutsEnabled = true
	connected, err = reg.RefreshStatus(ctx, creator.ID)
	require.NoError(t, err)
	require.True(t, connected)

	ready, err := reg.IsReadyToReceive(ctx, creator.ID)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestByHandleIsCaseInsensitive(t *testing.T) {
	reg, db := newTestRegistry(t, &stubProcessor{})
	ctx := context.Background()
	registered, err := reg.Register(ctx, RegisterInput{Handle: "Hank_01", Email: "hank@example.com"})
	require.NoError(t, err)
	require.Equal(t, "hank_01", registered.Handle)
	require.Equal(t, "Hank_01", registered.DisplayName)

	creator, err := reg.ByHandle(ctx, "HANK_01")
	require.NoError(t, err)
	require.Equal(t, registered.ID, creator.ID)

	_, err = reg.ByHandle(ctx, "nobody")
	require.ErrorIs(t, err, apperr.ErrCreatorNotFound)

	// A racing insert that skipped the uniqueness check still collides.
	racer := models.Creator{ID: uuid.New(), Handle: "hank_01", Email: "other@example.com", DisplayName: "HANK_01"}
	require.Error(t, db.Create(&racer).Error)

	_, err = reg.Register(ctx, RegisterInput{Handle: "HANK_01", Email: "third@example.com"})
	require.ErrorIs(t, err, apperr.ErrConflict)
}
