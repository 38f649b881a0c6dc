package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"intentrails/internal/config"
	"intentrails/internal/executor"
	"intentrails/internal/hmacauth"
	"intentrails/internal/idempotency"
	"intentrails/internal/lifecycle"
	"intentrails/internal/metrics"
	"intentrails/internal/settlement"
	"intentrails/internal/validator"
)

// Intents is the executor surface the API drives.
type Intents interface {
	ExecuteRoute(ctx context.Context, caller common.Address, req executor.RouteRequest) (uint64, error)
	Intent(id uint64) (executor.Intent, bool)
	Pause(ctx context.Context, caller common.Address) error
	Unpause(ctx context.Context, caller common.Address) error
	Paused() bool
	Self() common.Address
}

// Gatekeeper is the validator surface the API drives.
type Gatekeeper interface {
	Validate(ctx context.Context, req validator.Request) (bool, error)
	CheckAllowance(ctx context.Context, user, token, spender common.Address) (*big.Int, error)
	AddSupportedChain(ctx context.Context, caller common.Address, chainID uint64) error
	AddSupportedToken(ctx context.Context, caller common.Address, token common.Address) error
}

// Settlements is the verifier surface the API drives.
type Settlements interface {
	VerifyDelivery(ctx context.Context, caller common.Address, messageID common.Hash, intentID uint64) error
	ConfirmSettlement(ctx context.Context, caller common.Address, intentID uint64) error
	HandleFailure(ctx context.Context, caller common.Address, req settlement.FailureRequest) error
	InitiateRefund(ctx context.Context, caller common.Address, req settlement.RefundRequest) error
	Settlement(intentID uint64) (settlement.Record, bool)
	GetSettlementStatus(intentID uint64) lifecycle.SettlementStatus
	HasTimedOut(intentID uint64) bool
	SetTimeoutPeriod(ctx context.Context, caller common.Address, timeout time.Duration) error
	TimeoutPeriod() time.Duration
}

// HealthCheck is a named dependency probe reported by /api/v1/health.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

type Deps struct {
	Validator   Gatekeeper
	Executor    Intents
	Settlements Settlements
	Store       idempotency.Store
	Metrics     *metrics.Registry
	Logger      *logrus.Logger
	Checks      []HealthCheck
	// DLQDepth reports undelivered notifications; nil reports zero.
	DLQDepth func() int
}

type Server struct {
	cfg         *config.AppConfig
	principals  config.Principals
	validator   Gatekeeper
	executor    Intents
	settlements Settlements
	store       idempotency.Store
	apiAuth     *hmacauth.Verifier
	adminAuth   *hmacauth.Verifier
	bridgeAuth  *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metrics.Registry
	log         *logrus.Logger
	checks      []HealthCheck
	dlqDepth    func() int
}

func NewServer(cfg *config.AppConfig, principals config.Principals, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:         cfg,
		principals:  principals,
		validator:   deps.Validator,
		executor:    deps.Executor,
		settlements: deps.Settlements,
		store:       deps.Store,
		apiAuth: &hmacauth.Verifier{
			Secret:  cfg.Seed.Secrets.APISecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		adminAuth: &hmacauth.Verifier{
			Secret:          cfg.Seed.Secrets.AdminSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Admin-Signature",
			Principal:       principals.Owner,
		},
		bridgeAuth: &hmacauth.Verifier{
			Secret:          cfg.Seed.Secrets.BridgeSecret,
			MaxSkew:         cfg.Service.HMACClockSkew,
			SignatureHeader: "X-Bridge-Signature",
			Principal:       principals.Bridge,
		},
		metrics:  deps.Metrics,
		log:      deps.Logger,
		checks:   deps.Checks,
		dlqDepth: deps.DLQDepth,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler is the fully wired router, exposed for httptest.
func (s *Server) Handler() http.Handler {
	api := func(h http.HandlerFunc) http.Handler { return s.apiAuth.Middleware(h) }
	admin := func(h http.HandlerFunc) http.Handler { return s.adminAuth.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/routes", api(s.handleExecuteRoute))
	mux.Handle("POST /api/v1/validate", api(s.handleValidate))
	mux.Handle("GET /api/v1/allowance", api(s.handleAllowance))
	mux.HandleFunc("GET /api/v1/intents/{id}", s.handleGetIntent)

	mux.Handle("POST /api/v1/admin/chains", admin(s.handleAddChain))
	mux.Handle("POST /api/v1/admin/tokens", admin(s.handleAddToken))
	mux.Handle("POST /api/v1/admin/pause", admin(s.handlePause))
	mux.Handle("POST /api/v1/admin/unpause", admin(s.handleUnpause))
	mux.Handle("POST /api/v1/admin/timeout", admin(s.handleSetTimeout))

	mux.Handle("POST /api/v1/callbacks/bridge", s.bridgeAuth.Middleware(http.HandlerFunc(s.handleBridgeCallback)))
	mux.Handle("POST /api/v1/settlements/{id}/failure", admin(s.handleSettlementFailure))
	mux.Handle("POST /api/v1/settlements/{id}/refund", admin(s.handleRefund))
	mux.Handle("POST /api/v1/settlements/{id}/confirm", admin(s.handleConfirm))
	mux.HandleFunc("GET /api/v1/settlements/{id}", s.handleGetSettlement)

	mux.Handle("GET /api/v1/metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	return requestIDMiddleware(s.logMiddleware(mux))
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	type probe struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}
	deps := make(map[string]probe, len(s.checks))

	for _, c := range s.checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			deps[c.Name] = probe{Error: err.Error()}
			overallHealthy = false
			continue
		}
		deps[c.Name] = probe{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	queueDepth := 0
	if s.dlqDepth != nil {
		queueDepth = s.dlqDepth()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status       string           `json:"status"`
		Paused       bool             `json:"paused"`
		Dependencies map[string]probe `json:"dependencies"`
		QueueDepth   int              `json:"queue_depth"`
	}{
		Status:       status,
		Paused:       s.executor.Paused(),
		Dependencies: deps,
		QueueDepth:   queueDepth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
			"request_id": r.Header.Get(requestIDHeader),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

// requestLog returns a logger entry tagged with the request id.
func (s *Server) requestLog(r *http.Request) *logrus.Entry {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.log.WithField("request_id", id)
}
