package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ecotip/observability"
	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/impact"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/processor"
	"ecotip/services/tipgateway/registry"
	"ecotip/services/tipgateway/storage"
)

type stubProcessor struct {
	createIntentFn func(context.Context, processor.PaymentIntentRequest) (processor.PaymentIntent, error)
	intentCalls    int32
	lastRequest    processor.PaymentIntentRequest
	mu             sync.Mutex
}

func (s *stubProcessor) CreatePayoutAccount(context.Context, processor.AccountRequest) (string, error) {
	return "", errors.New("not used")
}

func (s *stubProcessor) CreateOnboardingLink(context.Context, string, string, string) (string, error) {
	return "", errors.New("not used")
}

func (s *stubProcessor) RetrieveAccount(context.Context, string) (processor.AccountStatus, error) {
	return processor.AccountStatus{}, errors.New("not used")
}

func (s *stubProcessor) CreatePaymentIntent(ctx context.Context, req processor.PaymentIntentRequest) (processor.PaymentIntent, error) {
	n := atomic.AddInt32(&s.intentCalls, 1)
	s.mu.Lock()
	s.lastRequest = req
	s.mu.Unlock()
	if s.createIntentFn != nil {
		return s.createIntentFn(ctx, req)
	}
	return processor.PaymentIntent{ID: fmt.Sprintf("pi_%d", n), ClientSecret: fmt.Sprintf("pi_%d_secret", n)}, nil
}

type failingIncrementer struct{ err error }

func (f failingIncrementer) Increment(*gorm.DB, uuid.UUID, int64) error { return f.err }

type fixture struct {
	db     *gorm.DB
	stub   *stubProcessor
	ledger *Ledger
	agg    *impact.Aggregator
	alice  models.Creator
}

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedCreator(t *testing.T, db *gorm.DB, agg *impact.Aggregator, handle string, onboarded bool) models.Creator {
	t.Helper()
	account := "acct_" + handle
	creator := models.Creator{
		ID:              uuid.New(),
		Handle:          handle,
		Email:           handle + "@example.com",
		DisplayName:     handle,
		PayoutAccountID: &account,
		PayoutOnboarded: onboarded,
	}
	require.NoError(t, db.Create(&creator).Error)
	require.NoError(t, agg.Init(db, creator.ID))
	return creator
}

func newFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	stub := &stubProcessor{}
	agg := impact.NewAggregator(decimal.RequireFromString("0.06"))
	reg := registry.New(registry.Config{DB: db, Processor: stub, Totals: agg})
	l := New(Config{
		DB:         db,
		Processor:  stub,
		Creators:   reg,
		Impact:     agg,
		FeePercent: decimal.NewFromInt(10),
		Currency:   "USD",
		Metrics:    observability.Tips(),
		Now:        func() time.Time { return time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC) },
	})
	return &fixture{db: db, stub: stub, ledger: l, agg: agg, alice: seedCreator(t, db, agg, "alice", true)}
}

func (f *fixture) totals(t *testing.T, creatorID uuid.UUID) models.ImpactTotals {
	t.Helper()
	totals, err := f.agg.Totals(context.Background(), f.db, creatorID)
	require.NoError(t, err)
	return totals
}

func (f *fixture) tip(t *testing.T, reference string) models.Tip {
	t.Helper()
	var tip models.Tip
	require.NoError(t, f.db.First(&tip, "payment_reference = ?", reference).Error)
	return tip
}

func TestAliceTipCompletesOnceUnderDuplicateWebhooks(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	ctx := context.Background()

	pending, err := f.ledger.CreatePendingTip(ctx, TipInput{
		CreatorID:   f.alice.ID,
		Amount:      decimal.RequireFromString("7.40"),
		Message:     "  keep planting  ",
		SenderName:  "Sam",
		SenderEmail: "Sam@Example.com",
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), pending.Units)
	require.Equal(t, int64(740), pending.AmountCents)
	require.Equal(t, "pi_1_secret", pending.ConfirmationToken)

	req := f.stub.lastRequest
	require.Equal(t, int64(740), req.AmountMinor)
	require.Equal(t, int64(74), req.PlatformFeeMinor)
	require.Equal(t, "usd", req.Currency)
	require.Equal(t, "acct_alice", req.DestinationID)
	require.Equal(t, "alice", req.Metadata.CreatorHandle)
	require.Equal(t, pending.TipID.String(), req.Metadata.TipID)
	require.Equal(t, int64(7), req.Metadata.Units)

	stored := f.tip(t, pending.PaymentReference)
	require.Equal(t, models.TipStatusPending, stored.Status)
	require.Equal(t, "keep planting", stored.Message)
	require.Equal(t, "sam@example.com", stored.SenderEmail)
	require.Zero(t, f.totals(t, f.alice.ID).UnitsTotal)

	first, err := f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, int64(7), f.totals(t, f.alice.ID).UnitsTotal)

	second, err := f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)
	require.False(t, second.Applied)

	totals := f.totals(t, f.alice.ID)
	require.Equal(t, int64(7), totals.UnitsTotal)
	require.True(t, totals.CO2Tonnes.Equal(decimal.RequireFromString("0.42")), totals.CO2Tonnes.String())

	completed := f.tip(t, pending.PaymentReference)
	require.Equal(t, models.TipStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestSubUnitTipCompletesWithZeroUnits(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	ctx := context.Background()

	pending, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.RequireFromString("0.50")})
	require.NoError(t, err)
	require.Zero(t, pending.Units)
	require.Equal(t, int64(50), pending.AmountCents)

	result, err := f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Zero(t, f.totals(t, f.alice.ID).UnitsTotal)
	require.Equal(t, models.TipStatusCompleted, f.tip(t, pending.PaymentReference).Status)
}

func TestCreatePendingTipRequiresPayableCreator(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	bob := seedCreator(t, f.db, f.agg, "bob", false)

	_, err := f.ledger.CreatePendingTip(context.Background(), TipInput{CreatorID: bob.ID, Amount: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, apperr.ErrCreatorNotPayable)
	require.Zero(t, atomic.LoadInt32(&f.stub.intentCalls))

	var count int64
	require.NoError(t, f.db.Model(&models.Tip{}).Count(&count).Error)
	require.Zero(t, count)

	_, err = f.ledger.CreatePendingTip(context.Background(), TipInput{CreatorID: uuid.New(), Amount: decimal.NewFromInt(5)})
	require.ErrorIs(t, err, apperr.ErrCreatorNotFound)
}

func TestCreatePendingTipValidation(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	ctx := context.Background()

	cases := []TipInput{
		{CreatorID: f.alice.ID, Amount: decimal.Zero},
		{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(-3)},
		{CreatorID: f.alice.ID, Amount: decimal.RequireFromString("0.001")},
		{CreatorID: f.alice.ID, Amount: decimal.RequireFromString("1000000")},
		{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(1), SenderEmail: "nope"},
		{Amount: decimal.NewFromInt(1)},
	}
	for _, in := range cases {
		_, err := f.ledger.CreatePendingTip(ctx, in)
		require.ErrorIs(t, err, apperr.ErrValidation, "amount=%s", in.Amount)
	}
	require.Zero(t, atomic.LoadInt32(&f.stub.intentCalls))
}

func TestCreatePendingTipProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	f.stub.createIntentFn = func(context.Context, processor.PaymentIntentRequest) (processor.PaymentIntent, error) {
		return processor.PaymentIntent{}, apperr.Provider("stripe", context.DeadlineExceeded, true)
	}

	_, err := f.ledger.CreatePendingTip(context.Background(), TipInput{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(3)})
	require.ErrorIs(t, err, apperr.ErrExternalProvider)
	require.True(t, apperr.IsRetryable(err))

	var count int64
	require.NoError(t, f.db.Model(&models.Tip{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreatePendingTipPersistenceFailureAfterIntent(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	f.stub.createIntentFn = func(context.Context, processor.PaymentIntentRequest) (processor.PaymentIntent, error) {
		return processor.PaymentIntent{ID: "pi_fixed", ClientSecret: "secret"}, nil
	}
	ctx := context.Background()

	_, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(2)})
	require.NoError(t, err)

	_, err = f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(2)})
	require.ErrorIs(t, err, apperr.ErrPersistence)
}

func TestCompleteTipUnknownReference(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	_, err := f.ledger.CompleteTip(context.Background(), "pi_missing")
	require.ErrorIs(t, err, apperr.ErrTipNotFound)

	_, err = f.ledger.CompleteTip(context.Background(), " ")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCompleteTipRollsBackWhenIncrementFails(t *testing.T) {
	db := setupLedgerTestDB(t)
	f := newFixture(t, db)
	ctx := context.Background()

	pending, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(4)})
	require.NoError(t, err)

	f.ledger.impact = failingIncrementer{err: errors.New("impact table unavailable")}
	_, err = f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.ErrorIs(t, err, apperr.ErrPersistence)
	require.Equal(t, models.TipStatusPending, f.tip(t, pending.PaymentReference).Status)
	require.Zero(t, f.totals(t, f.alice.ID).UnitsTotal)

	f.ledger.impact = f.agg
	result, err := f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, int64(4), f.totals(t, f.alice.ID).UnitsTotal)
}

func TestConcurrentCompletionsCreditOnce(t *testing.T) {
	db, err := storage.Open("sqlite://"+filepath.Join(t.TempDir(), "ledger.db"), storage.Options{MaxOpenConns: 8})
	require.NoError(t, err)
	f := newFixture(t, db)
	ctx := context.Background()

	const (
		rounds  = 5
		workers = 8
	)
	for round := 0; round < rounds; round++ {
		pending, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.RequireFromString("12.99")})
		require.NoError(t, err)

		var applied, duplicates int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				result, err := f.ledger.CompleteTip(ctx, pending.PaymentReference)
				if err != nil {
					errs <- err
					return
				}
				if result.Applied {
					atomic.AddInt32(&applied, 1)
				} else {
					atomic.AddInt32(&duplicates, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), applied)
		require.Equal(t, int32(workers-1), duplicates)
	}
	require.Equal(t, int64(12*rounds), f.totals(t, f.alice.ID).UnitsTotal)
}

func TestCompletionHooksRunOncePerAppliedTip(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	ctx := context.Background()
	var seen []CompletedTip
	f.ledger.OnComplete(func(_ context.Context, tip CompletedTip) { seen = append(seen, tip) })

	pending, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.NewFromInt(3), SenderName: "Kim", Message: "go trees"})
	require.NoError(t, err)
	_, err = f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)
	_, err = f.ledger.CompleteTip(ctx, pending.PaymentReference)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	require.Equal(t, pending.TipID, seen[0].TipID)
	require.Equal(t, "Kim", seen[0].SenderName)
	require.Equal(t, int64(3), seen[0].Units)
}

func TestSummaryAndRecentTips(t *testing.T) {
	f := newFixture(t, setupLedgerTestDB(t))
	ctx := context.Background()

	var refs []string
	for _, amount := range []string{"1.00", "2.50", "10.00"} {
		pending, err := f.ledger.CreatePendingTip(ctx, TipInput{CreatorID: f.alice.ID, Amount: decimal.RequireFromString(amount)})
		require.NoError(t, err)
		refs = append(refs, pending.PaymentReference)
	}
	for _, ref := range refs[:2] {
		_, err := f.ledger.CompleteTip(ctx, ref)
		require.NoError(t, err)
	}

	summary, err := f.ledger.Summary(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.CompletedCount)
	require.Equal(t, int64(350), summary.CompletedCents)
	require.Equal(t, int64(1), summary.PendingCount)

	recent, err := f.ledger.RecentTips(ctx, f.alice.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	tip, err := f.ledger.ByPaymentReference(ctx, refs[2])
	require.NoError(t, err)
	require.Equal(t, models.TipStatusPending, tip.Status)
	_, err = f.ledger.ByPaymentReference(ctx, "pi_nope")
	require.ErrorIs(t, err, apperr.ErrTipNotFound)
}

func TestMoneyConversions(t *testing.T) {
	cases := []struct {
		amount string
		minor  int64
		units  int64
		fee    int64
	}{
		{"7.40", 740, 7, 74},
		{"0.50", 50, 0, 5},
		{"7.405", 741, 7, 74},
		{"0.99", 99, 0, 10},
		{"100", 10000, 100, 1000},
		{"1.05", 105, 1, 11},
	}
	for _, tc := range cases {
		amount := decimal.RequireFromString(tc.amount)
		require.Equal(t, tc.minor, MinorUnits(amount), tc.amount)
		require.Equal(t, tc.units, ImpactUnits(amount), tc.amount)
		require.Equal(t, tc.fee, PlatformFee(MinorUnits(amount), decimal.NewFromInt(10)), tc.amount)
	}
	require.Zero(t, PlatformFee(100, decimal.Zero))
	require.Zero(t, ImpactUnits(decimal.NewFromInt(-2)))
}
