package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/auth"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/otc"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/token"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

type AuthService interface {
	RequestCode(ctx context.Context, kind vault.IdentifierKind, identifier string) (*otc.RequestResult, error)
	VerifyCode(ctx context.Context, kind vault.IdentifierKind, identifier, code string, device models.Device) (*auth.VerifyOutcome, error)
	SignupCreator(ctx context.Context, req auth.CreatorSignup) (*auth.SignupOutcome, error)
	SignupOrganization(ctx context.Context, req auth.OrganizationSignup) (*auth.SignupOutcome, error)
	LoginOrganization(ctx context.Context, email, password string, device models.Device) (*auth.SignupOutcome, error)
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, resetToken, newPassword string) error
	DeleteAccount(ctx context.Context, ref models.PrincipalRef) error
}

type TokenService interface {
	Rotate(ctx context.Context, refreshToken string) (*token.Pair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, principal models.PrincipalRef) (int, error)
	CurrentSessionCount(ctx context.Context, principal models.PrincipalRef) (int64, error)
	ParseAccess(accessToken string) (*token.AccessClaims, models.PrincipalRef, error)
}

type NotificationLister interface {
	List(ctx context.Context, recipient models.PrincipalRef, limit int) ([]models.Notification, error)
}

// Check is a named readiness check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	ServiceName       string
	AllowedOrigins    []string
	RateLimit         int
	ExposeResetTokens bool
}

type Server struct {
	auth          AuthService
	tokens        TokenService
	notifications NotificationLister
	checks        []Check
	opts          Options
	logger        zerolog.Logger
}

func NewServer(
	authService AuthService,
	tokens TokenService,
	notifications NotificationLister,
	checks []Check,
	opts Options,
	logger zerolog.Logger,
) *Server {
	return &Server{
		auth:          authService,
		tokens:        tokens,
		notifications: notifications,
		checks:        checks,
		opts:          opts,
		logger:        logger.With().Str("component", "http").Logger(),
	}
}

// Handler builds the router with CORS, rate limiting, request logging and tracing applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	allowed := s.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "User-Agent", "X-Device-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		}

		r.Post("/otc/request", s.requestCode)
		r.Post("/otc/verify", s.verifyCode)
		r.Post("/signup/creator", s.signupCreator)
		r.Post("/signup/organization", s.signupOrganization)
		r.Post("/login/organization", s.loginOrganization)
		r.Post("/token/refresh", s.refresh)
		r.Post("/logout", s.logout)
		r.Post("/password/forgot", s.forgotPassword)
		r.Post("/password/reset", s.resetPassword)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAccess)

			r.Post("/logout/all", s.logoutAll)
			r.Get("/sessions/count", s.sessionCount)
			r.Delete("/account", s.deleteAccount)
			r.Get("/notifications", s.listNotifications)
		})
	})

	name := s.opts.ServiceName
	if name == "" {
		name = "incollab-auth"
	}

	return otelhttp.NewHandler(r, name)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK

	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", check.Name).Msg("readiness check failed")
			status[check.Name] = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		status[check.Name] = "ok"
	}

	writeJSON(w, code, status)
}
