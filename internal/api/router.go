package api

import (
	"log/slog"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	customMiddleware "github.com/openauthd/openauthd/internal/api/middleware"
	"github.com/openauthd/openauthd/internal/clients"
	"github.com/openauthd/openauthd/internal/issuer"
	"github.com/openauthd/openauthd/internal/keys"
	"github.com/openauthd/openauthd/internal/kv"
	"github.com/openauthd/openauthd/internal/rbac"
	"github.com/openauthd/openauthd/internal/session"
	"github.com/openauthd/openauthd/internal/tenant"
)

// Permissions gating the admin surfaces.
const (
	permManageRBAC     = "rbac:manage"
	permManageTenants  = "tenants:manage"
	permManageClients  = "clients:manage"
	permManageSessions = "sessions:manage"
)

type Server struct {
	Router *chi.Mux
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// Deps carries every collaborator the router wires together.
type Deps struct {
	Pool         *pgxpool.Pool
	Store        kv.Store
	Resolver     *tenant.Resolver
	Tenants      *tenant.Registry
	Clients      *clients.Registry
	Sessions     *session.Manager
	SessionStore *session.PgStore
	Codec        *session.CookieCodec
	Engine       *rbac.Engine
	Issuer       *issuer.Issuer
	Keys         *keys.Manager
	IssuerURL    string
	DefaultTheme string
	SessionTTL   time.Duration
	LegacyKeys   []*keys.KeyPair
}

func NewServer(deps Deps) *Server {
	r := chi.NewRouter()

	// 1. Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)

	// 2. Sentry before recovery so panics reach the hub
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic: true,
	})
	r.Use(sentryHandler.Handle)

	// 3. Logger & recovery
	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	// 4. Active defense + tenant context
	limiter := customMiddleware.NewIPRateLimiter(10, 20)
	r.Use(limiter.Middleware)
	r.Use(customMiddleware.TenantContext(deps.Resolver))
	r.Use(customMiddleware.ThemeHeaders(deps.DefaultTheme))

	// 5. Auth & permission factories
	requireAuth := customMiddleware.AuthMiddleware(deps.Issuer)
	requirePermission := func(perm string) func(http.Handler) http.Handler {
		return customMiddleware.RequirePermission(deps.Engine, perm)
	}

	// Handlers
	oauthHandler := NewOAuthHandler(OAuthHandlerConfig{
		Clients:    deps.Clients,
		Issuer:     deps.Issuer,
		Keys:       deps.Keys,
		Sessions:   deps.Sessions,
		Codec:      deps.Codec,
		Store:      deps.Store,
		IssuerURL:  deps.IssuerURL,
		SessionTTL: deps.SessionTTL,
		LegacyKeys: deps.LegacyKeys,
	})
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Codec)
	rbacHandler := NewRBACHandler(deps.Engine)
	tenantHandler := NewTenantHandler(deps.Tenants)
	clientHandler := NewClientHandler(deps.Clients)
	adminSessionHandler := NewAdminSessionHandler(deps.Sessions, deps.SessionStore)

	server := &Server{Router: r, Pool: deps.Pool, Logger: slog.Default()}

	// Base routes
	r.Get("/health", server.HealthHandler())
	r.Get("/.well-known/openid-configuration", oauthHandler.Discovery)
	r.Get("/.well-known/jwks.json", oauthHandler.JWKS)

	// OAuth protocol surface
	r.With(customMiddleware.RequireTenant).Get("/authorize", oauthHandler.Authorize)
	r.Post("/token", oauthHandler.Token)
	r.With(requireAuth).Get("/userinfo", oauthHandler.UserInfo)

	// Session endpoints authenticate via the encrypted cookie
	r.Route("/session", func(r chi.Router) {
		r.Get("/accounts", sessionHandler.GetAccounts)
		r.Post("/switch", sessionHandler.Switch)
		r.Delete("/accounts/{userId}", sessionHandler.RemoveAccount)
		r.Delete("/all", sessionHandler.RemoveAll)
		r.Get("/check", sessionHandler.Check)
		r.Options("/check", sessionHandler.Check)
	})

	// Self-service RBAC queries
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/rbac/check", rbacHandler.Check)
		r.Post("/rbac/check/batch", rbacHandler.CheckBatch)
		r.Get("/rbac/permissions", rbacHandler.Permissions)
		r.Get("/rbac/roles", rbacHandler.Roles)
	})

	// Admin surfaces
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Route("/admin/rbac", func(r chi.Router) {
			r.Use(requirePermission(permManageRBAC))

			r.Post("/roles", rbacHandler.CreateRole)
			r.Get("/roles", rbacHandler.ListRoles)
			r.Get("/roles/{id}", rbacHandler.GetRole)
			r.Patch("/roles/{id}", rbacHandler.UpdateRole)
			r.Delete("/roles/{id}", rbacHandler.DeleteRole)

			r.Get("/permissions", rbacHandler.ListPermissionDefinitions)

			r.Post("/roles/{id}/permissions", rbacHandler.AssignPermission)
			r.Get("/roles/{id}/permissions", rbacHandler.ListRolePermissions)
			r.Delete("/roles/{id}/permissions", rbacHandler.RemovePermission)

			r.Post("/users/{userId}/roles", rbacHandler.AssignUserRole)
			r.Get("/users/{userId}/roles", rbacHandler.ListUserRoles)
			r.Delete("/users/{userId}/roles", rbacHandler.RemoveUserRole)

			r.Post("/clients/{clientId}/permissions", rbacHandler.CreateClientPermission)
			r.Get("/clients/{clientId}/permissions", rbacHandler.ListClientPermissions)
			r.Delete("/clients/{clientId}/permissions", rbacHandler.DeleteClientPermission)
		})

		// Mounted under /admin so the path never matches the resolver's
		// tenant path prefix; a suspended tenant must stay reachable here
		// for reinstatement.
		r.Route("/admin/tenants", func(r chi.Router) {
			r.Use(requirePermission(permManageTenants))

			r.Post("/", tenantHandler.Create)
			r.Get("/", tenantHandler.List)
			r.Get("/{id}", tenantHandler.Get)
			r.Put("/{id}", tenantHandler.Update)
			r.Delete("/{id}", tenantHandler.Delete)
			r.Put("/{id}/branding", tenantHandler.UpdateBranding)
			r.Put("/{id}/settings", tenantHandler.UpdateSettings)
		})

		r.Route("/admin/clients", func(r chi.Router) {
			r.Use(requirePermission(permManageClients))

			r.Post("/", clientHandler.Create)
			r.Get("/", clientHandler.List)
			r.Get("/{id}", clientHandler.Get)
			r.Patch("/{id}", clientHandler.Update)
			r.Delete("/{id}", clientHandler.Delete)
			r.Post("/{id}/rotate-secret", clientHandler.RotateSecret)
		})

		r.Route("/admin/sessions", func(r chi.Router) {
			r.Use(requirePermission(permManageSessions))

			r.Get("/", adminSessionHandler.List)
			r.Post("/revoke-user", adminSessionHandler.RevokeUser)
			r.Post("/revoke", adminSessionHandler.RevokeSession)
		})
	})

	return server
}
