package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"flashpool/core"
	"flashpool/core/events"
	"flashpool/core/types"
	"flashpool/crypto"
	"flashpool/native/flashloan"
	"flashpool/observability"
	flmw "flashpool/services/flashloand/middleware"
	"flashpool/services/flashloand/journal"
)

const (
	maxManifestBytes = 64 << 10
	apiTimeout       = 30 * time.Second
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Executor       *core.Executor
	Journal        *journal.Journal
	Stream         *events.Stream
	Asset          string
	Auth           flmw.AuthConfig
	RateLimits     map[string]flmw.RateLimit
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the pool over HTTP. Manifests are the only write path.
type Server struct {
	executor *core.Executor
	journal  *journal.Journal
	stream   *events.Stream
	asset    string
	logger   *slog.Logger

	auth    *flmw.Authenticator
	limiter *flmw.RateLimiter
	obs     *flmw.Observability
	origins []string

	router http.Handler
}

// New constructs the configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("server: executor required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("server: journal required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stream := cfg.Stream
	if stream == nil {
		stream = events.NewStream()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := &Server{
		executor: cfg.Executor,
		journal:  cfg.Journal,
		stream:   stream,
		asset:    cfg.Asset,
		logger:   logger,
		auth:     flmw.NewAuthenticator(cfg.Auth, logger),
		limiter:  flmw.NewRateLimiter(cfg.RateLimits, logger),
		obs:      flmw.NewObservability(flmw.ObservabilityConfig{ServiceName: "flashloand"}, logger),
		origins:  origins,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotent-Replay", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		// Streams outlive the request timeout.
		api.With(s.obs.Middleware("events.stream")).Get("/events/stream", s.StreamEvents)

		api.Group(func(rest chi.Router) {
			rest.Use(chimw.Timeout(apiTimeout))
			rest.Use(chimw.Compress(5))
			rest.With(s.obs.Middleware("pool")).Get("/pool", s.GetPool)
			rest.With(s.obs.Middleware("positions")).Get("/positions/{id}", s.GetPosition)
			rest.With(s.obs.Middleware("accounts")).Get("/accounts/{address}", s.GetAccount)
			rest.With(s.obs.Middleware("events")).Get("/events", s.ListEvents)
			rest.With(
				s.obs.Middleware("manifests"),
				s.limiter.Middleware("manifests"),
				s.auth.Middleware(),
				flmw.WithIdempotency(s.journal.DB()),
			).Post("/manifests", s.SubmitManifest)
		})
	})

	return otelhttp.NewHandler(r, "flashloand")
}

type poolView struct {
	Asset            string `json:"asset"`
	VaultBalance     string `json:"vaultBalance"`
	TotalClaims      string `json:"totalClaims"`
	PendingRewards   string `json:"pendingRewards"`
	OwnerSpread      string `json:"ownerSpread"`
	BorrowerFeePct   string `json:"borrowerFeePct"`
	LenderRewardPct  string `json:"lenderRewardPct"`
	NextPositionID   uint64 `json:"nextPositionId"`
	NextObligationID uint64 `json:"nextObligationId"`
}

func newPoolView(asset string, pool *flashloan.Pool) poolView {
	return poolView{
		Asset:            asset,
		VaultBalance:     pool.VaultBalance.String(),
		TotalClaims:      pool.TotalClaims.String(),
		PendingRewards:   pool.PendingRewards.String(),
		OwnerSpread:      pool.OwnerSpread().String(),
		BorrowerFeePct:   pool.BorrowerFeePct.String(),
		LenderRewardPct:  pool.LenderRewardPct.String(),
		NextPositionID:   pool.NextPositionID,
		NextObligationID: pool.NextObligationID,
	}
}

type positionView struct {
	ID             uint64         `json:"id"`
	Owner          crypto.Address `json:"owner"`
	InitialDeposit string         `json:"initialDeposit"`
	CurrentAmount  string         `json:"currentAmount"`
	OpenedAt       time.Time      `json:"openedAt"`
	ImageURL       string         `json:"imageUrl"`
}

func newPositionView(p *flashloan.Position) positionView {
	return positionView{
		ID:             p.ID,
		Owner:          p.Owner,
		InitialDeposit: p.InitialDeposit,
		CurrentAmount:  p.CurrentAmount.String(),
		OpenedAt:       time.Unix(p.OpenedAt, 0).UTC(),
		ImageURL:       p.ImageURL,
	}
}

// GetPool returns the committed pool aggregates.
func (s *Server) GetPool(w http.ResponseWriter, _ *http.Request) {
	pool, err := s.executor.Pool()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(s.asset, pool))
}

// GetPosition returns a single live certificate.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid position id", Code: "invalid_request"})
		return
	}
	position, err := s.executor.Position(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(position))
}

type accountView struct {
	Address   crypto.Address `json:"address"`
	Balance   string         `json:"balance"`
	Positions []positionView `json:"positions"`
}

// GetAccount returns the ledger balance and held certificates of an address.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid address", Code: "invalid_request"})
		return
	}
	balance, err := s.executor.Balance(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	held, err := s.executor.Positions(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := accountView{Address: addr, Balance: balance.String(), Positions: make([]positionView, 0, len(held))}
	for _, p := range held {
		view.Positions = append(view.Positions, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, view)
}

// ListEvents returns journaled events, newest first.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: "invalid_request"})
			return
		}
		limit = parsed
	}
	entries, err := s.journal.List(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// SubmitManifest executes a manifest on behalf of the token subject.
func (s *Server) SubmitManifest(w http.ResponseWriter, r *http.Request) {
	principal, ok := flmw.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Code: "unauthenticated"})
		return
	}
	addr, err := crypto.ParseAddress(principal.Subject)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token subject is not a pool address", Code: "unauthenticated"})
		return
	}
	caller := core.Caller{Address: addr, Roles: rolesFromScopes(principal.Scopes)}

	var manifest types.Manifest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&manifest); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid manifest body", Code: "invalid_request"})
		return
	}

	start := time.Now()
	receipt, err := s.executor.Execute(r.Context(), caller, &manifest)
	if err != nil {
		observability.Pool().ObserveManifest("aborted", time.Since(start))
		s.logger.Info("manifest rejected",
			slog.String("caller", addr.String()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		s.writeError(w, err)
		return
	}
	observability.Pool().ObserveManifest("committed", time.Since(start))
	s.refreshPoolMetrics()
	s.logger.Info("manifest committed",
		slog.String("caller", addr.String()),
		slog.String("receipt", receipt.ID),
		slog.Int("events", len(receipt.Events)))
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) refreshPoolMetrics() {
	pool, err := s.executor.Pool()
	if err != nil {
		return
	}
	observability.Pool().SetAggregates(
		pool.VaultBalance.InexactFloat64(),
		pool.TotalClaims.InexactFloat64(),
		pool.PendingRewards.InexactFloat64(),
		pool.OwnerSpread().InexactFloat64(),
	)
}

func rolesFromScopes(scopes []string) []types.Role {
	roles := make([]types.Role, 0, len(scopes))
	for _, scope := range scopes {
		switch role := types.Role(scope); role {
		case types.RoleAdmin, types.RoleTreasurer, types.RoleBot:
			roles = append(roles, role)
		}
	}
	return roles
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
