package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"crossmargin/internal/errs"
	"crossmargin/internal/ingestion"
	"crossmargin/internal/observability"
	"crossmargin/internal/persistence"
	"crossmargin/internal/projection"
	"crossmargin/internal/query"
)

// Server hosts the three listening surfaces: a gRPC server with health
// and reflection, the HTTP/JSON query API on a gateway mux, and the
// ops endpoints (metrics, liveness, readiness).
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	opsServer  *http.Server

	grpcAddr string
	httpAddr string
	opsAddr  string

	deps *Deps
	log  zerolog.Logger
}

// Deps holds everything the API surfaces reach into.
type Deps struct {
	Query      *query.Service
	Admin      *ingestion.AdminIngest
	Snapshots  *persistence.SnapshotManager
	Projection *projection.Worker
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
}

func New(grpcAddr, httpAddr, opsAddr string, deps *Deps, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		opsAddr:    opsAddr,
		deps:       deps,
		log:        log.With().Str("component", "server").Logger(),
	}
}

// StartGRPC serves until the context is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON query API until the context is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account_id}/balances", s.handleBalances},
		{"GET", "/v1/accounts/{account_id}/health", s.handleHealth},
		{"GET", "/v1/accounts/{account_id}/positions", s.handlePositions},
		{"GET", "/v1/accounts/{account_id}/liquidations", s.handleLiquidations},
		{"GET", "/v1/markets/{market_id}/funding", s.handleFunding},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
		{"GET", "/v1/admin/log", s.handleLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuild},
		{"POST", "/v1/admin/ingest/deposit", s.handleInjectDeposit},
		{"POST", "/v1/admin/ingest/withdraw", s.handleInjectWithdraw},
		{"POST", "/v1/admin/ingest/oracle", s.handleInjectOracle},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, s.instrument(r.path, r.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http query api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartOps serves metrics and health probes until the context is
// cancelled.
func (s *Server) StartOps(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.deps.Health != nil {
		mux.HandleFunc("/healthz", s.deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", s.deps.Health.ReadinessHandler)
	}

	s.opsServer = &http.Server{
		Addr:    s.opsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.opsServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.opsAddr).Msg("ops server listening")
	if err := s.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			defer func() {
				s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			}()
		}
		h(w, r, pathParams)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, err error) {
	code := errs.CodeOf(err)
	httpStatus := http.StatusInternalServerError
	switch code {
	case errs.CodeMalformedInput:
		httpStatus = http.StatusBadRequest
	case errs.CodeInvalidState:
		httpStatus = http.StatusNotFound
	case errs.CodeUnauthorized:
		httpStatus = http.StatusForbidden
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(httpStatus)).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func pathUUID(pathParams map[string]string, key string) (uuid.UUID, error) {
	raw, ok := pathParams[key]
	if !ok {
		return uuid.Nil, errs.Newf(errs.CodeMalformedInput, "missing %s", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errs.Newf(errs.CodeMalformedInput, "invalid %s: %v", key, err)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 100
}

// --- query handlers ---

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, err := pathUUID(pathParams, "account_id")
	if err != nil {
		s.writeError(w, "balances", err)
		return
	}
	resp, err := s.deps.Query.GetBalances(r.Context(), accountID, time.Now().Unix())
	if err != nil {
		s.writeError(w, "balances", err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, err := pathUUID(pathParams, "account_id")
	if err != nil {
		s.writeError(w, "health", err)
		return
	}
	resp, err := s.deps.Query.GetHealth(r.Context(), accountID, time.Now().Unix())
	if err != nil {
		s.writeError(w, "health", err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, err := pathUUID(pathParams, "account_id")
	if err != nil {
		s.writeError(w, "positions", err)
		return
	}
	resp, err := s.deps.Query.GetPositions(r.Context(), accountID)
	if err != nil {
		s.writeError(w, "positions", err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"positions": resp})
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	accountID, err := pathUUID(pathParams, "account_id")
	if err != nil {
		s.writeError(w, "liquidations", err)
		return
	}
	resp, err := s.deps.Query.GetLiquidationHistory(r.Context(), accountID, queryLimit(r))
	if err != nil {
		s.writeError(w, "liquidations", err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"liquidations": resp})
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	marketID, err := pathUUID(pathParams, "market_id")
	if err != nil {
		s.writeError(w, "funding", err)
		return
	}
	resp, err := s.deps.Query.GetFundingHistory(r.Context(), marketID, queryLimit(r))
	if err != nil {
		s.writeError(w, "funding", err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"funding": resp})
}

// --- admin handlers ---

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, "integrity", err)
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) handleLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latest, err := s.deps.Snapshots.LatestSequence(r.Context())
	if err != nil {
		s.writeError(w, "log_info", err)
		return
	}
	watermark, err := s.deps.Query.Watermark(r.Context())
	if err != nil {
		s.writeError(w, "log_info", err)
		return
	}
	s.writeJSON(w, map[string]int64{
		"last_sequence":        latest,
		"projection_watermark": watermark,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.Projection.RebuildFromLog(r.Context(), s.deps.Snapshots); err != nil {
		s.writeError(w, "rebuild", err)
		return
	}
	s.writeJSON(w, map[string]bool{"rebuilt": true})
}

type injectTransferJSON struct {
	Group       uuid.UUID `json:"group"`
	Account     uuid.UUID `json:"account"`
	Owner       uuid.UUID `json:"owner"`
	RootBank    uuid.UUID `json:"root_bank"`
	NodeBank    uuid.UUID `json:"node_bank"`
	Quantity    uint64    `json:"quantity"`
	AllowBorrow bool      `json:"allow_borrow"`
}

func (s *Server) handleInjectDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in injectTransferJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, "inject_deposit", errs.Newf(errs.CodeMalformedInput, "parse body: %v", err))
		return
	}
	if err := s.deps.Admin.InjectDeposit(r.Context(), in.Group, in.Account, in.Owner, in.RootBank, in.NodeBank, in.Quantity); err != nil {
		s.writeError(w, "inject_deposit", err)
		return
	}
	s.writeJSON(w, map[string]bool{"accepted": true})
}

func (s *Server) handleInjectWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in injectTransferJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, "inject_withdraw", errs.Newf(errs.CodeMalformedInput, "parse body: %v", err))
		return
	}
	if err := s.deps.Admin.InjectWithdraw(r.Context(), in.Group, in.Account, in.Owner, in.RootBank, in.NodeBank, in.Quantity, in.AllowBorrow); err != nil {
		s.writeError(w, "inject_withdraw", err)
		return
	}
	s.writeJSON(w, map[string]bool{"accepted": true})
}

type injectOracleJSON struct {
	Group          uuid.UUID       `json:"group"`
	Oracle         uuid.UUID       `json:"oracle"`
	Admin          uuid.UUID       `json:"admin"`
	Price          decimal.Decimal `json:"price"`
	OracleSequence int64           `json:"oracle_sequence"`
}

func (s *Server) handleInjectOracle(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in injectOracleJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, "inject_oracle", errs.Newf(errs.CodeMalformedInput, "parse body: %v", err))
		return
	}
	if err := s.deps.Admin.InjectOraclePrice(r.Context(), in.Group, in.Oracle, in.Admin, in.Price, in.OracleSequence); err != nil {
		s.writeError(w, "inject_oracle", err)
		return
	}
	s.writeJSON(w, map[string]bool{"accepted": true})
}
