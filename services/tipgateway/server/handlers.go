package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/ledger"
	tipmw "ecotip/services/tipgateway/middleware"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/registry"
)

const headerStripeSignature = "Stripe-Signature"

type creatorView struct {
	ID              uuid.UUID `json:"id"`
	Handle          string    `json:"handle"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"displayName"`
	Bio             string    `json:"bio,omitempty"`
	PayoutOnboarded bool      `json:"payoutOnboarded"`
	CreatedAt       time.Time `json:"createdAt"`
}

func viewCreator(c *models.Creator) creatorView {
	return creatorView{
		ID:              c.ID,
		Handle:          c.Handle,
		Email:           c.Email,
		DisplayName:     c.DisplayName,
		Bio:             c.Bio,
		PayoutOnboarded: c.PayoutOnboarded,
		CreatedAt:       c.CreatedAt,
	}
}

type impactView struct {
	TreesPlanted int64           `json:"treesPlanted"`
	CO2Tonnes    decimal.Decimal `json:"co2Tonnes"`
}

// RegisterCreator signs up a creator, provisions their payout account and
// returns a dashboard token.
func (s *Server) RegisterCreator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle      string `json:"handle"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		Bio         string `json:"bio"`
	}
	if err := decodeJSON(w, r, "server.register", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	creator, err := s.creators.Register(r.Context(), registry.RegisterInput{
		Handle:      req.Handle,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, expires, err := s.auth.Issue(creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"creator":   viewCreator(creator),
		"token":     token,
		"expiresAt": expires.UTC(),
	})
}

// PublicPage returns the data rendered on a creator's tipping page.
func (s *Server) PublicPage(w http.ResponseWriter, r *http.Request) {
	creator, err := s.creators.ByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	totals, err := s.impact.Totals(r.Context(), s.db, creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle":         creator.Handle,
		"displayName":    creator.DisplayName,
		"bio":            creator.Bio,
		"treesPlanted":   totals.UnitsTotal,
		"co2Tonnes":      totals.CO2Tonnes,
		"canReceiveTips": creator.ReadyToReceive(),
	})
}

// CreateTip opens a pending tip and returns the client confirmation token.
func (s *Server) CreateTip(w http.ResponseWriter, r *http.Request) {
	creator, err := s.creators.ByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Message     string          `json:"message"`
		SenderName  string          `json:"senderName"`
		SenderEmail string          `json:"senderEmail"`
	}
	if err := decodeJSON(w, r, "server.create_tip", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pending, err := s.tips.CreatePendingTip(r.Context(), ledger.TipInput{
		CreatorID:   creator.ID,
		Amount:      req.Amount,
		Message:     req.Message,
		SenderName:  req.SenderName,
		SenderEmail: req.SenderEmail,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tipId":        pending.TipID,
		"clientSecret": pending.ConfirmationToken,
		"amountCents":  pending.AmountCents,
		"units":        pending.Units,
	})
}

// Feed upgrades to a websocket streaming the creator's completed tips.
func (s *Server) Feed(w http.ResponseWriter, r *http.Request) {
	creator, err := s.creators.ByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "live feed disabled", Code: "feed_disabled"})
		return
	}
	s.feed.Serve(w, r, creator.ID, s.feedOrigins)
}

// Dashboard summarises the authenticated creator's impact and recent tips.
func (s *Server) Dashboard(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.currentCreator(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	totals, err := s.impact.Totals(ctx, s.db, creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.tips.Summary(ctx, creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recent, err := s.tips.RecentTips(ctx, creator.ID, 5)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type recentTip struct {
		TipID       uuid.UUID       `json:"tipId"`
		Amount      decimal.Decimal `json:"amount"`
		Currency    string          `json:"currency"`
		Units       int64           `json:"units"`
		SenderName  string          `json:"senderName,omitempty"`
		Message     string          `json:"message,omitempty"`
		CompletedAt *time.Time      `json:"completedAt,omitempty"`
	}
	tips := make([]recentTip, 0, len(recent))
	for _, tip := range recent {
		tips = append(tips, recentTip{
			TipID:       tip.ID,
			Amount:      tip.Amount,
			Currency:    tip.Currency,
			Units:       tip.Units,
			SenderName:  tip.SenderName,
			Message:     tip.Message,
			CompletedAt: tip.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"creator": viewCreator(creator),
		"impact":  impactView{TreesPlanted: totals.UnitsTotal, CO2Tonnes: totals.CO2Tonnes},
		"tips": map[string]any{
			"completedCount":  summary.CompletedCount,
			"completedAmount": decimal.New(summary.CompletedCents, -2).StringFixed(2),
			"pendingCount":    summary.PendingCount,
		},
		"recentTips": tips,
	})
}

// OnboardingLink returns a processor-hosted onboarding URL.
func (s *Server) OnboardingLink(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.currentCreator(w, r)
	if !ok {
		return
	}
	url, err := s.creators.OnboardingLink(r.Context(), creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// PayoutStatus refreshes onboarding flags from the processor.
func (s *Server) PayoutStatus(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.currentCreator(w, r)
	if !ok {
		return
	}
	connected, err := s.creators.RefreshStatus(r.Context(), creator.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

// StripeWebhook verifies and applies a processor delivery. Acknowledged
// deliveries get 200; signature and payload problems 400; storage failures 5xx
// so the processor retries.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, apperr.Malformed("server.webhook", "request body too large or unreadable"))
		return
	}
	result, err := s.webhooks.Handle(r.Context(), body, strings.TrimSpace(r.Header.Get(headerStripeSignature)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"eventId":  result.EventID,
		"outcome":  result.Outcome,
	})
}

func (s *Server) currentCreator(w http.ResponseWriter, r *http.Request) (*models.Creator, bool) {
	creatorID, ok := tipmw.CreatorID(r.Context())
	if !ok {
		s.writeError(w, r, apperr.ErrUnauthorized)
		return nil, false
	}
	creator, err := s.creators.ByID(r.Context(), creatorID)
	if err != nil {
		if apperr.HTTPStatus(err) == http.StatusNotFound {
			err = apperr.ErrUnauthorized
		}
		s.writeError(w, r, err)
		return nil, false
	}
	return creator, true
}
