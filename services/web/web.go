// Package web serves the back office: generic list, detail and form views
// for every registered entity, their dialog variants, the REST API with
// its OpenAPI document, token authentication, the dashboard and the
// system pages of the core app.
package web

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/sessions"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/applog"
	"trionyx/pkg/permissions"
	"trionyx/pkg/render"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/search"
	"trionyx/pkg/site"
	"trionyx/pkg/sysvar"
	"trionyx/pkg/tasks"
	"trionyx/pkg/widgets"
)

const (
	sessionName            = "trionyx"
	defaultPageSize        = 10
	defaultAccessTokenTTL  = 5 * time.Minute
	defaultRefreshTokenTTL = 24 * time.Hour
	defaultTokenRateLimit  = 20
)

// Deps are the collaborators of the web server.
type Deps struct {
	Site   *site.Site
	Search *search.Searcher
	// Tasks enqueues mass updates. Without it mass update is unavailable.
	Tasks     *tasks.Runtime
	Variables *sysvar.Store
	Sessions  sessions.Store
	Engine    *render.Engine
	Logger    zerolog.Logger
}

// Options tune the server.
type Options struct {
	AppName         string
	SigningKey      []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AllowedOrigins  []string
	// TokenRateLimit is the number of login and token requests allowed
	// per client IP and minute.
	TokenRateLimit int
	PageSize       int
	// Middleware wraps every route, typically the telemetry middleware.
	Middleware func(http.Handler) http.Handler
}

// Server holds the wired handlers.
type Server struct {
	deps       Deps
	opts       Options
	db         *gorm.DB
	perms      *permissions.Checker
	dashboards *widgets.Dashboards
	logger     zerolog.Logger

	openapiOnce sync.Once
	openapi     map[string]any
	openapiErr  error
}

// New validates deps and applies defaults to opts.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Site == nil || deps.Site.DB == nil {
		return nil, errors.New("web: site with database is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("web: session store is required")
	}
	if len(opts.SigningKey) == 0 {
		return nil, errors.New("web: token signing key is required")
	}
	if deps.Engine == nil {
		deps.Engine = render.Default()
	}
	if deps.Search == nil {
		deps.Search = search.New(deps.Site.Models, nil, deps.Logger)
	}
	if opts.AppName == "" {
		opts.AppName = "Trionyx"
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = defaultAccessTokenTTL
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if opts.TokenRateLimit <= 0 {
		opts.TokenRateLimit = defaultTokenRateLimit
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Server{
		deps:       deps,
		opts:       opts,
		db:         deps.Site.DB,
		perms:      permissions.New(deps.Site.DB),
		dashboards: widgets.NewDashboards(deps.Site.DB, deps.Site.Widgets),
		logger:     deps.Logger.With().Str("component", "web").Logger(),
	}, nil
}

// Routes constructs the router serving every page and API endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.opts.Middleware != nil {
		r.Use(s.opts.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           600,
	}))
	r.Use(reqctx.Middleware(s.resolveUser))
	r.Use(userAgent)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.opts.TokenRateLimit, time.Minute))
		r.Post("/api-token-auth/", s.handleTokenAuth)
		r.Post("/api-token-refresh/", s.handleTokenRefresh)
		r.Post("/api-token-verify/", s.handleTokenVerify)
		r.Post("/login/", s.handleLogin)
	})
	r.Get("/login/", s.handleLoginPage)
	r.Get("/logout/", s.handleLogout)
	r.Get("/openapi", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/", s.handleDashboardPage)
		r.Get("/dashboard/", s.handleDashboardLoad)
		r.Post("/dashboard/", s.handleDashboardSave)
		r.Get("/dashboard/widgets/", s.handleDashboardWidgets)
		r.Get("/dashboard/{id}/data/", s.handleDashboardData)

		r.Get("/search/", s.handleGlobalSearch)
		r.Get("/ajax-choices/{token}/", s.handleAjaxChoices)

		r.Route("/model/{app}/{model}", s.modelRoutes(false))
		r.Route("/dialog/model/{app}/{model}", s.modelRoutes(true))
		r.Get("/sidebar/model/{app}/{model}/{pk}/", s.handleSidebar)
		r.Get("/sidebar/model/{app}/{model}/{pk}/{code}/", s.handleSidebar)

		r.Post("/mass/{app}/{model}/delete/", s.handleMassDelete)
		r.Get("/mass/{app}/{model}/update/", s.handleMassUpdateForm)
		r.Post("/mass/{app}/{model}/update/", s.handleMassUpdate)

		r.Get("/auditlog/", s.handleAuditLog)
		r.Get("/tasks/", s.handleTasks)
		r.Get("/logs/", s.handleLogs)
		r.Get("/variables/", s.handleVariables)

		r.Route("/api/{app}/{model}", func(r chi.Router) {
			r.Options("/", s.handleAPIOptions)
			r.Get("/", s.handleAPIList)
			r.Post("/", s.handleAPICreate)
			r.Options("/{pk}/", s.handleAPIOptions)
			r.Get("/{pk}/", s.handleAPIRetrieve)
			r.Put("/{pk}/", s.handleAPIUpdate)
			r.Patch("/{pk}/", s.handleAPIUpdate)
			r.Delete("/{pk}/", s.handleAPIDestroy)
		})
	})

	return gzhttp.GzipHandler(r)
}

func (s *Server) modelRoutes(dialog bool) func(chi.Router) {
	return func(r chi.Router) {
		if !dialog {
			r.Get("/", s.handleListPage)
			r.Post("/", s.handleListPage)
			r.Get("/ajax/", s.handleListAjax)
			r.Post("/ajax/", s.handleListAjax)
			r.Post("/download/", s.handleDownload)
			r.Get("/choices/", s.handleFilterChoices)
			r.Get("/{pk}/", s.handleDetail)
			r.Get("/{pk}/tab/", s.handleTab)
		}
		form := s.formHandler(dialog)
		r.Get("/create/", form)
		r.Post("/create/", form)
		r.Get("/create/{code}/", form)
		r.Post("/create/{code}/", form)
		r.Get("/{pk}/edit/", form)
		r.Post("/{pk}/edit/", form)
		r.Get("/{pk}/edit/{code}/", form)
		r.Post("/{pk}/edit/{code}/", form)
		del := s.deleteHandler(dialog)
		r.Get("/{pk}/delete/", del)
		r.Post("/{pk}/delete/", del)
	}
}

// userAgent stores the client user agent on the request state for the
// log store.
func userAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.UserAgent(); ua != "" {
			reqctx.From(r.Context()).Set(applog.UserAgentKey, ua)
		}
		next.ServeHTTP(w, r)
	})
}
