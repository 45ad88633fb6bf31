package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"ecotip/services/tipgateway/feed"
	"ecotip/services/tipgateway/ledger"
	tipmw "ecotip/services/tipgateway/middleware"
	"ecotip/services/tipgateway/models"
	"ecotip/services/tipgateway/registry"
	"ecotip/services/tipgateway/webhook"
)

const maxRequestBody = 1 << 20

// rateLimitTips names the per-client limit applied to tip creation.
const rateLimitTips = "tips"

// Creators is the registry surface used by the API.
type Creators interface {
	Register(ctx context.Context, in registry.RegisterInput) (*models.Creator, error)
	ByID(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error)
	ByHandle(ctx context.Context, handle string) (*models.Creator, error)
	OnboardingLink(ctx context.Context, creatorID uuid.UUID) (string, error)
	RefreshStatus(ctx context.Context, creatorID uuid.UUID) (bool, error)
}

// Tips is the ledger surface used by the API.
type Tips interface {
	CreatePendingTip(ctx context.Context, in ledger.TipInput) (*ledger.PendingTip, error)
	Summary(ctx context.Context, creatorID uuid.UUID) (ledger.Summary, error)
	RecentTips(ctx context.Context, creatorID uuid.UUID, limit int) ([]models.Tip, error)
}

// Impact reads running impact totals.
type Impact interface {
	Totals(ctx context.Context, db *gorm.DB, creatorID uuid.UUID) (models.ImpactTotals, error)
}

// Webhooks applies verified processor deliveries.
type Webhooks interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (webhook.Result, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Creators      Creators
	Tips          Tips
	Impact        Impact
	Webhooks      Webhooks
	Feed          *feed.Hub
	Auth          *tipmw.Authenticator
	RateLimit     tipmw.RateLimit
	Observability *tipmw.Observability
	FeedOrigins   []string
	ServiceName   string
	Logger        *slog.Logger
}

// Server exposes the tipping API over HTTP.
type Server struct {
	db          *gorm.DB
	creators    Creators
	tips        Tips
	impact      Impact
	webhooks    Webhooks
	feed        *feed.Hub
	auth        *tipmw.Authenticator
	limiter     *tipmw.RateLimiter
	idempotency *tipmw.Idempotency
	obs         *tipmw.Observability
	feedOrigins []string
	serviceName string
	logger      *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ecotipd"
	}
	obs := cfg.Observability
	if obs == nil {
		obs = tipmw.NewObservability(tipmw.ObservabilityConfig{ServiceName: cfg.ServiceName}, logger)
	}
	srv := &Server{
		db:          cfg.DB,
		creators:    cfg.Creators,
		tips:        cfg.Tips,
		impact:      cfg.Impact,
		webhooks:    cfg.Webhooks,
		feed:        cfg.Feed,
		auth:        cfg.Auth,
		limiter:     tipmw.NewRateLimiter(map[string]tipmw.RateLimit{rateLimitTips: cfg.RateLimit}),
		idempotency: tipmw.NewIdempotency(cfg.DB, logger),
		obs:         obs,
		feedOrigins: cfg.FeedOrigins,
		serviceName: cfg.ServiceName,
		logger:      logger.With(slog.String("component", "http")),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped with server-side tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, s.serviceName)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.obs.Middleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/stripe", s.StripeWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/creators", s.RegisterCreator)
		api.Get("/creators/{handle}", s.PublicPage)
		api.With(s.limiter.Middleware(rateLimitTips), s.idempotency.Middleware).
			Post("/creators/{handle}/tips", s.CreateTip)
		api.Get("/creators/{handle}/feed", s.Feed)

		api.Group(func(me chi.Router) {
			me.Use(s.auth.Middleware)
			me.Get("/me/dashboard", s.Dashboard)
			me.Post("/me/onboarding-link", s.OnboardingLink)
			me.Post("/me/payout-status", s.PayoutStatus)
		})
	})
	return r
}

// Healthz reports whether the database answers.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.logger.Warn("health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
