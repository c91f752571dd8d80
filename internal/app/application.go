// Package app assembles storage, services and the HTTP stack into a running
// application.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/config"
	"github.com/specboard/specboard/internal/httpapi"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/middleware"
	"github.com/specboard/specboard/internal/services/auth"
	"github.com/specboard/specboard/internal/services/items"
	"github.com/specboard/specboard/internal/services/projects"
	"github.com/specboard/specboard/internal/services/specifications"
	"github.com/specboard/specboard/internal/storage"
	"github.com/specboard/specboard/internal/storage/memory"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users          storage.UserStore
	Projects       storage.ProjectStore
	Specifications storage.SpecificationStore
	Items          storage.ItemStore
}

// Options carries the optional collaborators the application can run
// without.
type Options struct {
	// Cache backs response caching, revocation and counters. Defaults to the
	// in-memory cache.
	Cache cache.Cache
	// Verifier validates Google ID tokens. Defaults to the live tokeninfo
	// verifier for the configured client id.
	Verifier auth.GoogleVerifier
	// SharedRateLimit controls whether the rate limiter counts in the shared
	// cache (true) or per process (false).
	SharedRateLimit bool
}

// Application ties the domain services together.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	Auth           *auth.Service
	Projects       *projects.Service
	Specifications *specifications.Service
	Items          *items.Service

	rateLimiter *middleware.RateLimiter
	stopCleanup chan struct{}
}

// New builds a fully initialised application with the provided stores.
func New(cfg *config.Config, stores Stores, opts Options, log *logging.Logger) *Application {
	if log == nil {
		log = logging.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Projects == nil {
		stores.Projects = mem
	}
	if stores.Specifications == nil {
		stores.Specifications = mem
	}
	if stores.Items == nil {
		stores.Items = mem
	}

	store := opts.Cache
	if store == nil {
		store = cache.NewMemory()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = auth.NewHTTPGoogleVerifier(cfg.Auth.GoogleClientID)
	}

	prefix := cfg.Cache.KeyPrefix
	authSvc := auth.New(stores.Users, verifier, store, cfg.Auth, prefix, log)
	projectsSvc := projects.New(stores.Projects, store,
		time.Duration(cfg.Cache.ProjectTTLSec)*time.Second, prefix, log)
	specsSvc := specifications.New(stores.Specifications, stores.Projects, store,
		time.Duration(cfg.Cache.SpecificationTTLSec)*time.Second, prefix, log)
	itemsSvc := items.New(stores.Items, stores.Specifications, stores.Projects, store,
		time.Duration(cfg.Cache.ItemTTLSec)*time.Second, prefix, log)

	var limiterStore cache.Cache
	if opts.SharedRateLimit {
		limiterStore = store
	}
	limiter := middleware.NewRateLimiter(limiterStore, prefix,
		cfg.RateLimit.RequestsPerHour, time.Hour, cfg.RateLimit.Burst, log)

	return &Application{
		cfg:            cfg,
		log:            log,
		Auth:           authSvc,
		Projects:       projectsSvc,
		Specifications: specsSvc,
		Items:          itemsSvc,
		rateLimiter:    limiter,
		stopCleanup:    make(chan struct{}),
	}
}

// Handler returns the fully wired HTTP handler: router plus middleware chain.
func (a *Application) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware())

	api := httpapi.NewHandler(a.Auth, a.Projects, a.Specifications, a.Items, a.log)
	api.Register(router)

	var origins []string
	if a.cfg.CORSAllowedOrigins != "" {
		for _, origin := range strings.Split(a.cfg.CORSAllowedOrigins, ",") {
			origins = append(origins, strings.TrimSpace(origin))
		}
	}

	authMw := middleware.NewAuthMiddleware(a.Auth, a.log, httpapi.SkipAuthPaths)
	corsMw := middleware.NewCORSMiddleware(origins)
	tracingMw := middleware.NewTracingMiddleware(a.log)

	// Outermost first: trace, CORS, auth, then rate limit. Auth runs before
	// the limiter so authenticated budgets are counted per user; skip-path
	// requests reach the limiter without claims and fall back to the client
	// address.
	var handler http.Handler = router
	handler = a.rateLimiter.Handler(handler)
	handler = authMw.Handler(handler)
	handler = corsMw.Handler(handler)
	handler = tracingMw.Handler(handler)
	return handler
}

// Start launches background maintenance.
func (a *Application) Start() {
	a.rateLimiter.StartCleanup(10*time.Minute, a.stopCleanup)
}

// Stop halts background maintenance.
func (a *Application) Stop() {
	close(a.stopCleanup)
}
