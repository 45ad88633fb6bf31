package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

//go:generate mockgen -destination=mock_processor/processor.go -package=mock_processor ecotip/services/tipgateway/processor Client,Verifier

// Event kinds the reconciler acts on.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventAccountUpdated   = "account.updated"
)

// TipTypeStandard is the only tip type currently offered.
const TipTypeStandard = "standard"

// Client is the subset of the payment processor the gateway depends on.
type Client interface {
	CreatePayoutAccount(ctx context.Context, req AccountRequest) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	RetrieveAccount(ctx context.Context, accountID string) (AccountStatus, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
}

// Verifier authenticates webhook payloads against the shared secret.
type Verifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (Event, error)
}

// AccountRequest describes a connected payout account to provision.
type AccountRequest struct {
	CreatorID   string
	Handle      string
	Email       string
	DisplayName string
}

// AccountStatus reports the onboarding flags of a payout account.
type AccountStatus struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

// Onboarded reports whether every capability flag is set.
func (s AccountStatus) Onboarded() bool {
	return s.DetailsSubmitted && s.ChargesEnabled && s.PayoutsEnabled
}

// TipMetadata is the fixed set of fields attached to every payment intent.
type TipMetadata struct {
	CreatorHandle string
	TipID         string
	Units         int64
	TipType       string
}

// Validate checks the metadata before it leaves the process.
func (m TipMetadata) Validate() error {
	if strings.TrimSpace(m.CreatorHandle) == "" {
		return errors.New("metadata: creator handle required")
	}
	if strings.TrimSpace(m.TipID) == "" {
		return errors.New("metadata: tip id required")
	}
	if m.Units < 0 {
		return errors.New("metadata: units must not be negative")
	}
	if m.TipType != TipTypeStandard {
		return fmt.Errorf("metadata: unsupported tip type %q", m.TipType)
	}
	return nil
}

// Map renders the metadata into the processor's string map.
func (m TipMetadata) Map() map[string]string {
	return map[string]string{
		"creator_handle": m.CreatorHandle,
		"tip_id":         m.TipID,
		"units":          strconv.FormatInt(m.Units, 10),
		"tip_type":       m.TipType,
	}
}

// PaymentIntentRequest describes a destination charge for a tip.
type PaymentIntentRequest struct {
	AmountMinor      int64
	Currency         string
	DestinationID    string
	PlatformFeeMinor int64
	ReceiptEmail     string
	Description      string
	Metadata         TipMetadata
}

// Validate rejects requests the processor would refuse.
func (r PaymentIntentRequest) Validate() error {
	if r.AmountMinor <= 0 {
		return errors.New("payment intent: amount must be positive")
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		return errors.New("payment intent: currency must be a three letter code")
	}
	if strings.TrimSpace(r.DestinationID) == "" {
		return errors.New("payment intent: destination account required")
	}
	if r.PlatformFeeMinor < 0 || r.PlatformFeeMinor > r.AmountMinor {
		return errors.New("payment intent: platform fee out of range")
	}
	return r.Metadata.Validate()
}

// PaymentIntent is the processor's handle for a pending payment.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// Event is a verified webhook delivery.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}
