// Package main runs the challenge settlement server: a thin JSON surface
// over the settlement coordinator, plus a WebSocket event feed, Prometheus
// metrics and a replay-verification endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"challenge-core/internal/config"
	"challenge-core/internal/domain"
	"challenge-core/internal/idhash"
	"challenge-core/internal/lifecycle"
	"challenge-core/internal/observability"
	"challenge-core/internal/replay"
	"challenge-core/internal/settlement"
	"challenge-core/internal/sink"
	"challenge-core/internal/storage"
	chstore "challenge-core/internal/storage/clickhouse"
	"challenge-core/internal/storage/memory"
	"challenge-core/internal/storage/migrations"
	pgstore "challenge-core/internal/storage/postgres"
)

// Server wires the coordinator and its stores behind HTTP handlers.
type Server struct {
	cfg         config.Config
	coordinator *settlement.Coordinator
	challenges  storage.ChallengeStore
	events      storage.EventStore
	equity      storage.EquityPointStore
	verifier    replay.Verifier
	hub         *sink.Hub
	logger      *log.Logger
}

func main() {
	configPath := flag.String("config", ".", "Directory containing config.yaml")
	listenAddr := flag.String("listen-addr", "", "HTTP listen address (overrides config)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (overrides config)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *postgresDSN != "" {
		cfg.Postgres.DSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.Clickhouse.DSN = *clickhouseDSN
	}
	if *useMemory {
		cfg.Postgres.DSN = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	challenges, events, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	equity, equityCleanup, err := createEquityStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create equity store: %v", err)
	}
	defer equityCleanup()

	metrics := observability.NewMetrics(cfg.Server.MetricsNamespace)

	hub := sink.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	coordinator := settlement.New(settlement.Options{
		Store:        challenges,
		Events:       events,
		Sink:         sink.Fanout{hub, sink.NewLogSink(logger)},
		EquityPoints: equity,
		Metrics:      metrics,
		Logger:       logger,
		LockWait:     cfg.Settlement.LockWait,
	})

	server := &Server{
		cfg:         cfg,
		coordinator: coordinator,
		challenges:  challenges,
		events:      events,
		equity:      equity,
		verifier:    replay.NewLogVerifier(challenges, events),
		hub:         hub,
		logger:      logger,
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.routes(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
		cancel()
	}()

	logger.Printf("Listening on %s", cfg.Server.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("HTTP server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createStores selects the challenge store backend. An empty Postgres DSN
// selects the in-memory store.
func createStores(ctx context.Context, cfg config.Config, logger *log.Logger) (storage.ChallengeStore, storage.EventStore, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Println("Using in-memory challenge store")
		store := memory.NewChallengeStore()
		return store, store, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	store := pgstore.NewChallengeStore(pool)
	return store, store, pool.Close, nil
}

// createEquityStore connects the optional ClickHouse analytics backend.
func createEquityStore(ctx context.Context, cfg config.Config, logger *log.Logger) (storage.EquityPointStore, func(), error) {
	if cfg.Clickhouse.DSN == "" {
		logger.Println("Equity analytics disabled (no ClickHouse DSN)")
		return nil, func() {}, nil
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Clickhouse.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("run clickhouse migrations: %w", err)
	}
	return chstore.NewEquityPointStore(conn), func() { conn.Close() }, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", s.hub)

	mux.HandleFunc("POST /challenges", s.handleCreateChallenge)
	mux.HandleFunc("POST /challenges/{id}/start", s.handleStartChallenge)
	mux.HandleFunc("POST /challenges/{id}/fills", s.handleSettleFill)
	mux.HandleFunc("GET /challenges/{id}", s.handleGetChallenge)
	mux.HandleFunc("GET /challenges/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /challenges/{id}/equity", s.handleGetEquity)
	mux.HandleFunc("GET /challenges/{id}/verify", s.handleVerifyChallenge)
	mux.HandleFunc("GET /traders/{id}/challenges", s.handleGetTraderChallenges)

	return mux
}

type createChallengeRequest struct {
	ChallengeID string `json:"challenge_id"`
	TraderID    string `json:"trader_id"`

	// Optional overrides of the configured defaults.
	InitialBalance      *float64 `json:"initial_balance,omitempty"`
	MaxDailyDrawdownPct *float64 `json:"max_daily_drawdown_pct,omitempty"`
	MaxTotalDrawdownPct *float64 `json:"max_total_drawdown_pct,omitempty"`
	ProfitTargetPct     *float64 `json:"profit_target_pct,omitempty"`
	MinTradingDays      *int     `json:"min_trading_days,omitempty"`
	ConsistencyCapPct   *float64 `json:"consistency_cap_pct,omitempty"`
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeID == "" || req.TraderID == "" {
		writeError(w, http.StatusBadRequest, "challenge_id and trader_id are required")
		return
	}

	d := s.cfg.Defaults
	c := &domain.Challenge{
		ChallengeID:          req.ChallengeID,
		TraderID:             req.TraderID,
		State:                domain.StatePending,
		InitialBalance:       orDefault(req.InitialBalance, d.InitialBalance),
		MaxDailyDrawdownPct:  orDefault(req.MaxDailyDrawdownPct, d.MaxDailyDrawdownPct),
		MaxTotalDrawdownPct:  orDefault(req.MaxTotalDrawdownPct, d.MaxTotalDrawdownPct),
		ProfitTargetPct:      orDefault(req.ProfitTargetPct, d.ProfitTargetPct),
		MinTradingDays:       orDefault(req.MinTradingDays, d.MinTradingDays),
		ConsistencyCapPct:    orDefault(req.ConsistencyCapPct, d.ConsistencyCapPct),
		ForbiddenInstruments: d.ForbiddenInstruments,
		CreatedAt:            time.Now().UnixMilli(),
	}

	if err := s.challenges.Insert(r.Context(), c); err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, challengeResponse(c))
}

func (s *Server) handleStartChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartedBy string `json:"started_by"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.StartedBy == "" {
		req.StartedBy = "api"
	}

	c, err := s.coordinator.Start(r.Context(), r.PathValue("id"), req.StartedBy)
	if err != nil {
		s.writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse(c))
}

type settleFillRequest struct {
	FillID      string  `json:"fill_id"`
	Instrument  string  `json:"instrument"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	RealizedPnL float64 `json:"realized_pnl"`
	FillTime    int64   `json:"fill_time"`
}

func (s *Server) handleSettleFill(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")

	var req settleFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Instrument == "" || req.Side == "" {
		writeError(w, http.StatusBadRequest, "instrument and side are required")
		return
	}
	if req.FillTime == 0 {
		req.FillTime = time.Now().UnixMilli()
	}
	if req.FillID == "" {
		req.FillID = idhash.ComputeFillID(challengeID, req.Instrument, req.Side,
			req.Quantity, req.Price, req.FillTime)
	}

	result, err := s.coordinator.Settle(r.Context(), challengeID, &domain.TradeFill{
		FillID:      req.FillID,
		ChallengeID: challengeID,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       req.Price,
		RealizedPnL: req.RealizedPnL,
		FillTime:    req.FillTime,
	})
	if err != nil {
		s.writeSettlementError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":      challengeResponse(result.Challenge),
		"violations":     result.Violations,
		"equity_after":   result.EquityAfter,
		"state_after":    result.StateAfter,
		"trading_halted": result.TradingHalted,
		"duplicate":      result.Duplicate,
	})
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.challenges.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse(c))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.GetByChallengeID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	type eventResponse struct {
		Sequence    int64               `json:"sequence"`
		Kind        domain.EventKind    `json:"kind"`
		BeforeState string              `json:"before_state"`
		AfterState  string              `json:"after_state"`
		Payload     domain.EventPayload `json:"payload"`
		RecordedAt  int64               `json:"recorded_at"`
	}
	resp := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, eventResponse{
			Sequence:    ev.Sequence,
			Kind:        ev.Kind,
			BeforeState: string(ev.BeforeState),
			AfterState:  string(ev.AfterState),
			Payload:     ev.Payload,
			RecordedAt:  ev.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	if s.equity == nil {
		writeError(w, http.StatusNotImplemented, "equity analytics disabled")
		return
	}
	points, err := s.equity.GetByChallengeID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	type pointResponse struct {
		TimestampMs int64   `json:"timestamp_ms"`
		Equity      float64 `json:"equity"`
		DailyPnL    float64 `json:"daily_pnl"`
		Drawdown    float64 `json:"drawdown"`
	}
	resp := make([]pointResponse, 0, len(points))
	for _, p := range points {
		resp = append(resp, pointResponse{
			TimestampMs: p.TimestampMs,
			Equity:      p.Equity,
			DailyPnL:    p.DailyPnL,
			Drawdown:    p.Drawdown,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	result, err := s.verifier.VerifyChallenge(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, replay.ErrChallengeNotFound) {
			writeError(w, http.StatusNotFound, "challenge not found")
			return
		}
		s.logger.Printf("verify challenge: %v", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTraderChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := s.challenges.GetByTrader(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	resp := make([]map[string]any, 0, len(challenges))
	for _, c := range challenges {
		resp = append(resp, challengeResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// challengeResponse shapes a challenge snapshot for the API.
func challengeResponse(c *domain.Challenge) map[string]any {
	resp := map[string]any{
		"challenge_id":       c.ChallengeID,
		"trader_id":          c.TraderID,
		"state":              c.State,
		"version":            c.Version,
		"initial_balance":    c.InitialBalance,
		"current_equity":     c.CurrentEquity,
		"daily_start_equity": c.DailyStartEquity,
		"max_equity_ever":    c.MaxEquityEver,
		"realized_pnl":       c.RealizedPnL,
		"trade_count":        c.TradeCount,
		"trading_days":       c.TradingDays(),
		"started_at":         c.StartedAt,
		"created_at":         c.CreatedAt,
	}
	if c.EndedAt != nil {
		resp["ended_at"] = *c.EndedAt
	}
	if c.FailureReason != nil {
		resp["failure_reason"] = *c.FailureReason
	}
	return resp
}

func (s *Server) writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrChallengeNotTradable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "challenge busy, retry")
	case errors.Is(err, settlement.ErrBusinessRule):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "challenge not found")
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	default:
		s.logger.Printf("settlement error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	default:
		s.logger.Printf("storage error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func orDefault[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}
