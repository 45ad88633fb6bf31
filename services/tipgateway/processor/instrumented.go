package processor

import (
	"context"
	"time"

	"ecotip/observability"
)

// Instrumented records call latency for every processor operation.
type Instrumented struct {
	next    Client
	metrics *observability.TipMetrics
	now     func() time.Time
}

// NewInstrumented wraps next with latency metrics.
func NewInstrumented(next Client, metrics *observability.TipMetrics) *Instrumented {
	return &Instrumented{next: next, metrics: metrics, now: time.Now}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.metrics.ObserveProvider(op, err, i.now().Sub(start))
}

func (i *Instrumented) CreatePayoutAccount(ctx context.Context, req AccountRequest) (string, error) {
	start := i.now()
	id, err := i.next.CreatePayoutAccount(ctx, req)
	i.observe("create_payout_account", start, err)
	return id, err
}

func (i *Instrumented) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	start := i.now()
	url, err := i.next.CreateOnboardingLink(ctx, accountID, refreshURL, returnURL)
	i.observe("create_onboarding_link", start, err)
	return url, err
}

func (i *Instrumented) RetrieveAccount(ctx context.Context, accountID string) (AccountStatus, error) {
	start := i.now()
	status, err := i.next.RetrieveAccount(ctx, accountID)
	i.observe("retrieve_account", start, err)
	return status, err
}

func (i *Instrumented) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	start := i.now()
	intent, err := i.next.CreatePaymentIntent(ctx, req)
	i.observe("create_payment_intent", start, err)
	return intent, err
}
