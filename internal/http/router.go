package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/http/handlers"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/middleware"
	"go.uber.org/zap"
)

// RouterDeps collects what the router mounts.
type RouterDeps struct {
	Auth    *handlers.AuthHandler
	Keys    *handlers.KeysHandler
	Users   *handlers.UsersHandler
	Linking *handlers.LinkingHandler
	Health  *handlers.HealthHandler

	Codec *auth.TokenCodec

	// OTPRequestLimiter and OTPVerifyLimiter bound OTP traffic per client IP.
	OTPRequestLimiter middleware.Limiter
	OTPVerifyLimiter  middleware.Limiter

	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", d.Health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	requestLimit := middleware.RateLimitMiddleware(d.OTPRequestLimiter, middleware.GetIPKey, d.Logger)
	verifyLimit := middleware.RateLimitMiddleware(d.OTPVerifyLimiter, middleware.GetIPKey, d.Logger)

	r.Route("/auth", func(r chi.Router) {
		// The envelope can carry any action, so it pays the stricter budget.
		r.With(requestLimit).Post("/", d.Auth.HandleAction)
		r.With(requestLimit).Post("/request_otp", d.Auth.HandleFixed(auth.ActionRequestOtp))
		r.With(verifyLimit).Post("/verify_otp", d.Auth.HandleFixed(auth.ActionVerifyOtp))
		r.With(verifyLimit).Post("/login", d.Auth.HandleFixed(auth.ActionLogin))
		r.Post("/register", d.Auth.HandleFixed(auth.ActionRegister))
		r.Post("/refresh", d.Auth.HandleFixed(auth.ActionRefreshToken))

		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionGate(d.Codec, d.Auth.OnTokenRejected, d.Logger))
			r.Post("/logout", d.Auth.HandleLogout)
			r.Post("/revoke-device", d.Auth.HandleRevokeDevice)
			r.Post("/keys", d.Keys.HandleUpdate)
			r.Get("/keys/count", d.Keys.HandleCount)
			r.Get("/keys/{target_account_id}", d.Keys.HandleFetch)
		})
	})

	// Protected routes (require a session token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionGate(d.Codec, d.Auth.OnTokenRejected, d.Logger))
		r.Get("/me", d.Users.HandleMe)
		r.Put("/users", d.Users.HandleUpdateProfile)
		r.Get("/users/devices", d.Users.HandleListDevices)
		r.Post("/users/link-signal", d.Users.HandleLinkSignal)
	})

	r.Get("/ws/linking/{code}", d.Linking.HandleSubscribe)

	return r
}
