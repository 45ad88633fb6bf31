package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"ecotip/services/tipgateway/apperr"
)

// StripeConfig configures the Stripe Connect client.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Country       string
	Timeout       time.Duration
}

// Stripe implements Client and Verifier on top of Stripe Connect express accounts.
type Stripe struct {
	api           *client.API
	webhookSecret string
	country       string
	timeout       time.Duration
}

// NewStripe constructs a Stripe-backed processor. Every call is bounded by
// cfg.Timeout, both at the HTTP client and through the request context.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("stripe: secret key required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe: webhook secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	country := strings.ToUpper(strings.TrimSpace(cfg.Country))
	if country == "" {
		country = "US"
	}
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &Stripe{
		api:           client.New(key, backends),
		webhookSecret: secret,
		country:       country,
		timeout:       timeout,
	}, nil
}

// CreatePayoutAccount provisions an express connected account able to take
// card payments and receive transfers.
func (s *Stripe) CreatePayoutAccount(ctx context.Context, req AccountRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(s.country),
		Email:   stripe.String(req.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		BusinessProfile: &stripe.AccountBusinessProfileParams{
			Name: stripe.String(firstNonEmpty(req.DisplayName, req.Handle)),
		},
	}
	params.Context = ctx
	params.AddMetadata("creator_id", req.CreatorID)
	params.AddMetadata("creator_handle", req.Handle)
	if req.CreatorID != "" {
		params.SetIdempotencyKey("account-" + req.CreatorID)
	}

	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", Classify("stripe.create_account", err)
	}
	return acct.ID, nil
}

// CreateOnboardingLink returns a hosted onboarding URL for the account.
func (s *Stripe) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx
	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", Classify("stripe.create_account_link", err)
	}
	return link.URL, nil
}

// RetrieveAccount fetches the onboarding flags for accountID.
func (s *Stripe) RetrieveAccount(ctx context.Context, accountID string) (AccountStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return AccountStatus{}, Classify("stripe.retrieve_account", err)
	}
	return AccountStatus{
		ID:               acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}, nil
}

// CreatePaymentIntent opens a destination charge that routes funds to the
// creator's account minus the platform fee. The tip id doubles as the Stripe
// idempotency key so a retried request never creates a second intent.
func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	if err := req.Validate(); err != nil {
		return PaymentIntent{}, apperr.Validation("stripe.create_payment_intent", err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.AmountMinor),
		Currency:             stripe.String(strings.ToLower(req.Currency)),
		ApplicationFeeAmount: stripe.Int64(req.PlatformFeeMinor),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationID),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	params.Context = ctx
	for k, v := range req.Metadata.Map() {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey("tip-" + req.Metadata.TipID)

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return PaymentIntent{}, Classify("stripe.create_payment_intent", err)
	}
	return PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (s *Stripe) ConstructEvent(payload []byte, signatureHeader string) (Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return Event{}, apperr.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
	}
	ev := Event{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		ev.Data = event.Data.Raw
	}
	return ev, nil
}

// Classify maps a processor failure onto ExternalProviderError. Timeouts and
// 429/5xx responses are marked retryable.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		retryable := stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.Type == stripe.ErrorTypeAPI
		return apperr.Provider(op, err, retryable)
	}
	var netErr net.Error
	retryable := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return apperr.Provider(op, err, retryable)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
