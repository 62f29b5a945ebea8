// Package server implements FlowOrchestrator (C7), AuthGuard (C8) and the
// HTTP surface (C9): the device and authorization-code flow state
// machines, bearer-token verification, and the gorilla/mux router gluing
// them to storage, the upstream IdP clients, and the token issuer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/idp"
	"github.com/diracgrid/dirac-auth/statecodec"
	"github.com/diracgrid/dirac-auth/storage"
	"github.com/diracgrid/dirac-auth/token"
)

// TTLs bundles the flow/token lifetimes this server enforces, with the
// spec's defaults.
type TTLs struct {
	Device      time.Duration
	AuthCode    time.Duration
	AccessToken time.Duration
}

// DefaultTTLs returns the spec's default lifetimes: Device 600s, AuthCode
// 300s, DIRAC access token 180000s.
func DefaultTTLs() TTLs {
	return TTLs{
		Device:      600 * time.Second,
		AuthCode:    300 * time.Second,
		AccessToken: 180_000 * time.Second,
	}
}

// Config bundles the collaborators and settings a Server is built from —
// the "explicit, process-scoped AuthContext" the design notes call for in
// place of ambient global state (OIDC client registry, signing keys,
// known-clients table).
type Config struct {
	IssuerURL      string
	Store          storage.Store
	Registry       *config.Registry
	TokenIssuer    *token.Issuer
	StateCodec     *statecodec.Codec
	TTLs           TTLs
	Logger         logrus.FieldLogger
	AllowedOrigins []string
	HTTPClient     *http.Client
}

// Server is the AuthContext: every handler hangs off this struct rather
// than reaching for ambient globals, and every dependency is supplied at
// construction time.
type Server struct {
	issuerURL   string
	store       storage.Store
	registry    *config.Registry
	tokenIssuer *token.Issuer
	stateCodec  *statecodec.Codec
	ttls        TTLs
	logger      logrus.FieldLogger
	httpClient  *http.Client

	// idpClients caches one discovered idp.Client per VO and callback URL
	// (keyed "vo|redirectURI", see idpClient), built lazily on first use and
	// never invalidated — mirrors the spec's "fetched on
	// first use and cached" contract for IdP metadata/JWKS. Guarded by
	// idpClientsMu since handlers read and populate it concurrently.
	idpClientsMu sync.RWMutex
	idpClients   map[string]*idp.Client

	metrics *metricsRegistry
}

// New builds a Server from cfg. It does not itself discover any upstream
// IdP; IdP clients are built lazily per VO on first use (see idpClient).
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.TTLs == (TTLs{}) {
		cfg.TTLs = DefaultTTLs()
	}
	return &Server{
		issuerURL:   cfg.IssuerURL,
		store:       cfg.Store,
		registry:    cfg.Registry,
		tokenIssuer: cfg.TokenIssuer,
		stateCodec:  cfg.StateCodec,
		ttls:        cfg.TTLs,
		logger:      cfg.Logger,
		httpClient:  cfg.HTTPClient,
		idpClients:  make(map[string]*idp.Client),
		metrics:     newMetricsRegistry(),
	}, nil
}

// idpClient returns the cached idp.Client for vo+redirectURI, discovering it
// on first use. The redirectURI is part of the cache key since the device
// and auth-code flows each call back to a different one of this server's own
// endpoints for the same VO.
func (s *Server) idpClient(ctx context.Context, vo, redirectURI string) (*idp.Client, *apiError) {
	cacheKey := vo + "|" + redirectURI

	s.idpClientsMu.RLock()
	c, ok := s.idpClients[cacheKey]
	s.idpClientsMu.RUnlock()
	if ok {
		return c, nil
	}

	voConfig, ok := s.registry.VOByName(vo)
	if !ok {
		return nil, newAPIError(kindInvalidRequest, fmt.Sprintf("unknown vo %q", vo))
	}

	s.idpClientsMu.Lock()
	defer s.idpClientsMu.Unlock()

	// Someone else may have built this client while we waited for the lock.
	if c, ok := s.idpClients[cacheKey]; ok {
		return c, nil
	}

	c, err := idp.New(ctx, vo, voConfig.IdP, redirectURI, s.httpClient)
	if err != nil {
		return nil, newAPIError(kindUpstreamUnavailable, err.Error())
	}
	s.idpClients[cacheKey] = c
	return c, nil
}

// Router builds the gorilla/mux router serving every endpoint in §6,
// mirroring the teacher's SkipClean(true).UseEncodedPath() router
// construction and its handleWithCORS closure for browser-facing routes.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	withCORS := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if len(allowedOrigins) > 0 {
			handler = handlers.CORS(handlers.AllowedOrigins(allowedOrigins))(handler)
		}
		return handler
	}

	r.Handle("/auth/{vo}/device", withCORS(s.handleDeviceInit)).Methods(http.MethodPost)
	r.Handle("/auth/{vo}/device", withCORS(s.handleDeviceVerify)).Methods(http.MethodGet)
	r.Handle("/auth/{vo}/device/complete", withCORS(s.handleDeviceComplete)).Methods(http.MethodGet)
	r.Handle("/auth/{vo}/device/complete/finished", withCORS(s.handleDeviceFinished)).Methods(http.MethodGet)

	r.Handle("/auth/{vo}/authorize", withCORS(s.handleAuthorizeInit)).Methods(http.MethodGet)
	r.Handle("/auth/{vo}/authorize/complete", withCORS(s.handleAuthorizeComplete)).Methods(http.MethodGet)

	r.Handle("/auth/{vo}/token", withCORS(s.handleToken)).Methods(http.MethodPost)

	r.Handle("/healthz", s.healthHandler())
	r.Handle("/metrics", s.metrics.handler())

	return r
}

// TelemetryHandler builds just the /healthz and /metrics surface, for a
// deployment that exposes telemetry on a separate address from the public
// OAuth2 endpoints Router serves.
func (s *Server) TelemetryHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", s.healthHandler())
	r.Handle("/metrics", s.metrics.handler())
	return r
}

// RunGarbageCollector runs FlowStore.GarbageCollect on interval until ctx
// is cancelled, grounded on the teacher's GC loop (storage/memory's
// GarbageCollect called from a supervised background goroutine in
// cmd/dex/serve.go) generalized to an oklog/run-compatible blocking
// function.
func (s *Server) RunGarbageCollector(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			result, err := s.store.GarbageCollect(ctx, now, map[storage.Kind]time.Duration{
				storage.Device:   s.ttls.Device,
				storage.AuthCode: s.ttls.AuthCode,
			})
			if err != nil {
				s.logger.WithError(err).Error("garbage collection failed")
				continue
			}
			if !result.IsEmpty() {
				s.logger.WithField("device", result.Device).WithField("auth_code", result.AuthCode).Debug("garbage collected expired flow rows")
			}
		}
	}
}
