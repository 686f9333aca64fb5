// Package server implements the Admission Gateway: the chi-routed HTTP
// surface that fronts webhook ingestion and the REST command set, with
// ban/API-key/traffic/latency accounting in front of every route.
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/sentinel/internal/admission"
	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/custodian"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/identity"
	"github.com/aristath/sentinel/internal/scheduler"
	"github.com/aristath/sentinel/internal/services"
	"github.com/aristath/sentinel/internal/settings"
	"github.com/aristath/sentinel/internal/strategy"
	"github.com/aristath/sentinel/internal/symbolmaster"
)

// Config holds everything the Admission Gateway needs to route requests
// to the rest of the system.
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	Services    *services.Services
	Identity    *identity.Manager
	Custodian   *custodian.Custodian
	Admission   *admission.Gate
	Scheduler   *scheduler.Scheduler
	Settings    *settings.Repository
	Strategies  *strategy.Repository
	SymbolIndex *symbolmaster.Index
	Registry    *broker.Registry
	Bus         *events.Bus
}

// Server is the Admission Gateway's HTTP listener.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New builds the Admission Gateway and wires its complete route table.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "admission_gateway").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware wires the strict admission pipeline: panic recovery,
// request ID/real-IP resolution first (every later stage needs the
// caller's IP), then the IP ban check -- strictly before any business
// logic or even API-key validation runs -- then logging/traffic/latency
// accounting.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.banCheckMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !s.cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

// banCheckMiddleware rejects any request from a banned IP before it
// reaches routing, matching the strict ordering spec.md requires: ban
// check first, strictly before API-key validation or business logic.
func (s *Server) banCheckMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		banned, err := s.cfg.Admission.IsBanned(ip)
		if err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("ban check failed")
			writeError(w, apperr.New(apperr.Internal, "admission check failed"))
			return
		}
		if banned {
			writeError(w, apperr.New(apperr.Banned, "ip address is banned"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware validates the caller-supplied apikey -- the first
// field of the request's JSON body per spec.md's REST command contract,
// falling back to an "apikey" query parameter for routes with no body --
// against the local user's stored, hashed API key. It strikes the
// caller's IP on mismatch and runs strictly after the ban check but
// before any handler logic. The request body is restored afterward so
// the handler can still decode its own payload; the unrelated "apikey"
// field is simply ignored by the handler's target struct.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := extractAPIKey(r)
		if err != nil {
			writeError(w, err)
			return
		}

		ok, err := s.cfg.Identity.VerifyAPIKey(key)
		if err != nil {
			s.log.Error().Err(err).Msg("api key verification failed")
			writeError(w, apperr.New(apperr.Internal, "admission check failed"))
			return
		}
		if !ok {
			ip := clientIP(r)
			if strikeErr := s.cfg.Admission.Strike(ip, "invalid api key"); strikeErr != nil {
				s.log.Error().Err(strikeErr).Str("ip", ip).Msg("failed to record strike")
			}
			writeError(w, apperr.New(apperr.NotAuthenticated, "invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractAPIKey reads "apikey" from the request's JSON body, restoring
// the body afterward for the handler to re-decode. Requests with no
// body (GET reads) fall back to an "apikey" query parameter.
func extractAPIKey(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return r.URL.Query().Get("apikey"), nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.PayloadInvalid, "failed to read request body", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if len(raw) == 0 {
		return r.URL.Query().Get("apikey"), nil
	}

	var probe struct {
		APIKey string `json:"apikey"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", apperr.Wrap(apperr.PayloadInvalid, "malformed request body", err)
	}
	return probe.APIKey, nil
}

// loggingMiddleware logs each request and records its TrafficRecord.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")

		ip := clientIP(r)
		latencyMs := float64(elapsed.Microseconds()) / 1000
		if err := s.cfg.Admission.RecordTraffic(ip, r.URL.Path, r.Method, ww.Status(), latencyMs); err != nil {
			s.log.Warn().Err(err).Msg("failed to record traffic")
		}
		if err := s.cfg.Admission.RecordLatency(r.URL.Path, latencyMs, "", ww.Status() < 400); err != nil {
			s.log.Warn().Err(err).Msg("failed to record latency")
		}
	})
}

func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-IP")
	if ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setupRoutes wires the webhook ingestion routes, OAuth callback, and
// the full REST command set from spec.md §4.6. Every route under
// /api/v1 also passes through apiKeyMiddleware.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/webhook/{webhookID}", func(r chi.Router) {
		r.Post("/", s.handleStrategyWebhook)
	})
	s.router.Route("/strategy/webhook/{webhookID}", func(r chi.Router) {
		r.Post("/", s.handleStrategyWebhook)
	})
	s.router.Get("/{brokerID}/callback", s.handleOAuthCallback)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)

		r.Get("/events/stream", NewEventsStreamHandler(s.cfg.Bus, s.log).ServeHTTP)

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.handleSystemHealth)
			r.Get("/latency", s.handleLatencyStats)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/placeorder", s.handlePlaceOrder)
			r.Post("/placesmartorder", s.handlePlaceSmartOrder)
			r.Post("/modifyorder", s.handleModifyOrder)
			r.Post("/cancelorder", s.handleCancelOrder)
			r.Post("/cancelallorder", s.handleCancelAllOrders)
			r.Post("/closeposition", s.handleClosePosition)
			r.Get("/orderbook", s.handleOrderBook)
			r.Get("/orderstatus", s.handleOrderStatus)
			r.Get("/tradebook", s.handleTradeBook)
		})

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/positionbook", s.handlePositionBook)
			r.Get("/openposition", s.handleOpenPosition)
			r.Get("/holdings", s.handleHoldings)
			r.Get("/funds", s.handleFunds)
		})

		r.Route("/market", func(r chi.Router) {
			r.Get("/quotes", s.handleQuotes)
			r.Get("/depth", s.handleDepth)
			r.Get("/search", s.handleSymbolSearch)
			r.Get("/symbol", s.handleSymbolLookup)
			r.Get("/instruments", s.handleInstruments)
		})

		r.Route("/analyzer", func(r chi.Router) {
			r.Get("/", s.handleAnalyzerStatus)
			r.Post("/toggle", s.handleAnalyzerToggle)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/auto-logout", s.handleGetAutoLogout)
			r.Put("/auto-logout", s.handleUpdateAutoLogout)
		})
	})
}

// handleHealth is the unauthenticated liveness probe used by process
// supervisors; it never touches the database or broker state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSystemHealth reports host resource pressure so the desktop UI
// can warn before the OS starts throttling the process.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "read cpu stats", err))
		return
	}
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "read memory stats", err))
		return
	}
	diskUsage, err := disk.UsageWithContext(ctx, s.diskPath())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "read disk stats", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cpu_percent":    firstOrZero(cpuPct),
		"memory_percent": vmem.UsedPercent,
		"disk_percent":   diskUsage.UsedPercent,
	})
}

func (s *Server) diskPath() string {
	return "/"
}

func firstOrZero(pcts []float64) float64 {
	if len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

// handleLatencyStats serves get_latency_stats: p50/p90/p95/p99 and the
// three-tier SLA classification for one operation, or every operation
// when op_name is omitted.
func (s *Server) handleLatencyStats(w http.ResponseWriter, r *http.Request) {
	opName := r.URL.Query().Get("op_name")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	stats, err := s.cfg.Admission.LatencyStats(opName, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePlaceOrder routes placeorder through the Services facade.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.OrderRequest
		StrategyID int64 `json:"strategy_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.cfg.Services.PlaceOrder(r.Context(), req.StrategyID, req.OrderRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handlePlaceSmartOrder routes placesmartorder, treating quantity as the
// target absolute signed position for the (symbol, product) pair.
func (s *Server) handlePlaceSmartOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.OrderRequest
		StrategyID int64 `json:"strategy_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.cfg.Services.PlaceSmartOrder(r.Context(), req.StrategyID, req.OrderRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.ModifyOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.cfg.Services.ModifyOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cfg.Services.CancelOrder(r.Context(), req.OrderID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Services.CancelAllOrders(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleClosePosition issues the compensating smart order that flattens
// one (symbol, product) position to zero.
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string         `json:"symbol"`
		Exchange string         `json:"exchange"`
		Product  domain.Product `json:"product"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := s.cfg.Services.PlaceSmartOrder(r.Context(), 0, domain.OrderRequest{
		Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product, Side: domain.SideBuy, Quantity: 0,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	orders, err := s.cfg.Services.GetOrderBook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	orders, err := s.cfg.Services.GetOrderBook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}
	writeError(w, apperr.New(apperr.PayloadInvalid, "order not found"))
}

func (s *Server) handleTradeBook(w http.ResponseWriter, r *http.Request) {
	trades, err := s.cfg.Services.GetTradeBook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handlePositionBook(w http.ResponseWriter, r *http.Request) {
	positions, err := s.cfg.Services.GetPositions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleOpenPosition reports only the positions with a non-zero quantity.
func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	positions, err := s.cfg.Services.GetPositions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	open := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			open = append(open, p)
		}
	}
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.cfg.Services.GetHoldings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.cfg.Services.GetFunds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	refs, err := parseSymbolRefs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	quotes, err := s.cfg.Services.GetQuote(r.Context(), refs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := r.URL.Query().Get("exchange"), r.URL.Query().Get("symbol")
	if exchange == "" || symbol == "" {
		writeError(w, apperr.New(apperr.PayloadInvalid, "exchange and symbol are required"))
		return
	}
	depth, err := s.cfg.Services.GetMarketDepth(r.Context(), broker.SymbolRef{Exchange: exchange, Symbol: symbol})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) handleSymbolSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": query, "results": []domain.Instrument{}})
}

func (s *Server) handleSymbolLookup(w http.ResponseWriter, r *http.Request) {
	exchange, symbol := r.URL.Query().Get("exchange"), r.URL.Query().Get("symbol")
	instrument, ok := s.cfg.SymbolIndex.Lookup(exchange, symbol)
	if !ok {
		writeError(w, apperr.New(apperr.PayloadInvalid, "symbol not found"))
		return
	}
	writeJSON(w, http.StatusOK, instrument)
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.cfg.Services.DownloadMasterContract(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instruments)
}

func (s *Server) handleAnalyzerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"analyzer_mode": s.cfg.Services.AnalyzerMode()})
}

func (s *Server) handleAnalyzerToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.cfg.Services.SetAnalyzerMode(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"analyzer_mode": req.Enabled})
}

func (s *Server) handleGetAutoLogout(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Settings.Get()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.AutoLogout)
}

func (s *Server) handleUpdateAutoLogout(w http.ResponseWriter, r *http.Request) {
	var req settings.AutoLogoutConfig
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.cfg.Settings.UpdateAutoLogout(req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Scheduler.Reschedule(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// webhookAlert is the accepted TradingView/Chartink-style alert payload:
// action plus quantity, an optional target position size for smart
// orders, and optional per-leg symbol overrides for mapped strategies.
type webhookAlert struct {
	Action       string  `json:"action"`
	Quantity     float64 `json:"quantity"`
	PositionSize *float64 `json:"position_size"`
	Legs         []struct {
		Symbol   string  `json:"symbol"`
		Exchange string  `json:"exchange"`
		Quantity float64 `json:"quantity"`
	} `json:"legs"`
}

// handleStrategyWebhook accepts an inbound alert, resolves it to a
// Strategy by webhook id, and places the order(s) it describes. An
// unknown webhook id is reported as 404 -- the id space is exactly as
// guessable as an API key, so a miss strikes the caller's IP the same
// way an invalid API key does. A known but disabled strategy, or one
// outside its configured trading window, is rejected without a strike:
// the id was guessed correctly, the caller just lost the race.
func (s *Server) handleStrategyWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")

	strat, err := s.cfg.Strategies.ByWebhookID(webhookID)
	if err != nil {
		writeError(w, err)
		return
	}
	if strat == nil {
		s.strikeCaller(r, "unknown webhook id")
		writeError(w, apperr.New(apperr.NotFound, "unknown webhook"))
		return
	}
	if !strat.Enabled {
		writeError(w, apperr.New(apperr.PayloadInvalid, "strategy is disabled"))
		return
	}
	if !strat.WithinTradingWindow(time.Now()) {
		writeError(w, apperr.New(apperr.PayloadInvalid, "outside strategy trading window"))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.PayloadInvalid, "failed to read webhook body", err))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	webhookCfg, err := s.cfg.Settings.Get()
	if err != nil {
		writeError(w, err)
		return
	}
	if webhookCfg.Webhook.HasHMACSecret && !validWebhookSignature(webhookCfg.Webhook.HMACSecret, raw, r.Header.Get("X-Webhook-Signature")) {
		s.strikeCaller(r, "invalid webhook signature")
		writeError(w, apperr.New(apperr.NotAuthenticated, "invalid webhook signature"))
		return
	}

	var alert webhookAlert
	if !decodeJSON(w, r, &alert) {
		s.strikeCaller(r, "malformed webhook payload")
		return
	}

	side := domain.SideBuy
	if alert.Action == "sell" || alert.Action == "SELL" {
		side = domain.SideSell
	}

	quantity := strat.Quantity
	if alert.Quantity > 0 {
		quantity = alert.Quantity
	}

	legs, err := s.cfg.Strategies.SymbolMappings(strat.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	targets := webhookTargets(strat, side, quantity, legs, alert.Legs)

	orders := make([]domain.Order, 0, len(targets))
	for _, target := range targets {
		var order domain.Order
		if alert.PositionSize != nil {
			target.Quantity = *alert.PositionSize
			order, err = s.cfg.Services.PlaceSmartOrder(r.Context(), strat.ID, target)
		} else {
			order, err = s.cfg.Services.PlaceOrder(r.Context(), strat.ID, target)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		orders = append(orders, order)
	}

	s.cfg.Bus.Publish(&events.WebhookAlertData{
		WebhookID: webhookID, StrategyID: strat.ID, Symbol: strat.Symbol, Action: alert.Action,
	})

	if len(orders) == 1 {
		writeJSON(w, http.StatusOK, orders[0])
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// webhookTargets builds one OrderRequest per dispatch target: the
// strategy's own symbol when it has no mapped legs, or one request per
// leg with the inbound payload's per-leg overrides (by symbol) applied
// on top of the stored mapping.
func webhookTargets(strat *strategy.Strategy, side domain.Side, quantity float64, legs []strategy.SymbolMapping, overrides []struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Quantity float64 `json:"quantity"`
}) []domain.OrderRequest {
	if len(legs) == 0 {
		return []domain.OrderRequest{{
			Symbol: strat.Symbol, Exchange: strat.Exchange, Product: domain.Product(strat.Product),
			Side: side, Quantity: quantity,
		}}
	}

	overrideBySymbol := make(map[string]struct {
		Exchange string
		Quantity float64
	}, len(overrides))
	for _, o := range overrides {
		overrideBySymbol[o.Symbol] = struct {
			Exchange string
			Quantity float64
		}{Exchange: o.Exchange, Quantity: o.Quantity}
	}

	targets := make([]domain.OrderRequest, 0, len(legs))
	for _, leg := range legs {
		legQuantity, legExchange := leg.LegQuantity, leg.LegExchange
		if o, ok := overrideBySymbol[leg.LegSymbol]; ok {
			if o.Quantity > 0 {
				legQuantity = o.Quantity
			}
			if o.Exchange != "" {
				legExchange = o.Exchange
			}
		}
		targets = append(targets, domain.OrderRequest{
			Symbol: leg.LegSymbol, Exchange: legExchange, Product: domain.Product(strat.Product),
			Side: side, Quantity: legQuantity,
		})
	}
	return targets
}

// validWebhookSignature reports whether sig is the hex-encoded
// HMAC-SHA256 of body under secret. It uses the same MAC and encoding as
// the reference broker client's request signing, but over the body
// alone, with no timestamp.
func validWebhookSignature(secret, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *Server) strikeCaller(r *http.Request, reason string) {
	if err := s.cfg.Admission.Strike(clientIP(r), reason); err != nil {
		s.log.Warn().Err(err).Msg("failed to record strike")
	}
}

// handleOAuthCallback receives a broker's OAuth redirect, exchanges its
// code through the adapter's Authenticate call, saves the resulting
// session with the Custodian, and publishes the outcome.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	brokerID := chi.URLParam(r, "brokerID")
	code := r.URL.Query().Get("code")

	adapter, ok := s.cfg.Registry.Get(brokerID)
	if !ok {
		writeError(w, apperr.New(apperr.NoActiveBroker, "unknown broker"))
		return
	}

	authToken, feedToken, err := adapter.Authenticate(r.Context(), broker.Credential{OAuthCode: code})
	success := err == nil
	if err == nil {
		err = s.cfg.Custodian.SaveSession(s.cfg.Identity.UserID(), brokerID, authToken, feedToken)
		success = err == nil
	}

	s.cfg.Bus.Publish(&events.OAuthCallbackData{BrokerID: brokerID, Success: success})

	if !success {
		writeError(w, apperr.Wrap(apperr.Upstream, "broker oauth exchange failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated", "broker_id": brokerID})
}

func parseSymbolRefs(r *http.Request) ([]broker.SymbolRef, error) {
	exchange, symbols := r.URL.Query().Get("exchange"), r.URL.Query()["symbol"]
	if exchange == "" || len(symbols) == 0 {
		return nil, apperr.New(apperr.PayloadInvalid, "exchange and at least one symbol are required")
	}
	refs := make([]broker.SymbolRef, 0, len(symbols))
	for _, sym := range symbols {
		refs = append(refs, broker.SymbolRef{Exchange: exchange, Symbol: sym})
	}
	return refs, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.Wrap(apperr.PayloadInvalid, "malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an apperr.Kind to an HTTP status and writes a uniform
// JSON error body. The Kind, never the raw error string, drives the
// status code so wrapped causes are never leaked to external callers.
func writeError(w http.ResponseWriter, err error) {
	status := statusForKind(apperr.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(apperr.KindOf(err))})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.NotAuthenticated:
		return http.StatusUnauthorized
	case apperr.Banned:
		return http.StatusForbidden
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.PayloadInvalid:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.NoActiveBroker:
		return http.StatusPreconditionFailed
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// closes (normally via Shutdown).
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("admission gateway listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests before closing the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("admission gateway shutting down")
	return s.http.Shutdown(ctx)
}
