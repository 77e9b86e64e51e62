package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/forge/internal/backtest"
	"github.com/aristath/forge/internal/cache"
	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/optimizer"
	"github.com/aristath/forge/internal/sanity"
	"github.com/aristath/forge/internal/strategy"
)

type backtestRequest struct {
	BotID   string          `json:"botId"`
	Payload json.RawMessage `json:"payload"`
	Mode    string          `json:"mode"`
	CostBps float64         `json:"costBps"`
	NoCache bool            `json:"noCache"`
}

type backtestResponse struct {
	Result      *domain.BacktestResult `json:"result"`
	PayloadHash string                 `json:"payloadHash"`
	DataDate    string                 `json:"dataDate"`
	Cached      bool                   `json:"cached"`
}

// handleBacktest runs (or replays) one backtest.
// POST /api/backtest
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.runBacktest(r, &req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// runBacktest is the shared decode/compress/cache/evaluate path used by
// both the backtest and sanity endpoints.
func (s *Server) runBacktest(r *http.Request, req *backtestRequest) (*backtestResponse, error) {
	if req.BotID == "" {
		return nil, domain.NewError(domain.KindConfig, "botId is required")
	}
	if len(req.Payload) == 0 {
		return nil, domain.NewError(domain.KindConfig, "payload is required")
	}
	if req.Mode == "" {
		req.Mode = backtest.ModeCC
	}
	if req.CostBps == 0 {
		req.CostBps = s.cfg.DefaultCostBps
	}

	root, err := strategy.DecodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	compressed, err := strategy.Compress(root)
	if err != nil {
		return nil, err
	}
	hash, err := strategy.PayloadHash(compressed.Tree, req.Mode, req.CostBps)
	if err != nil {
		return nil, err
	}

	dataDate, err := s.prices.LatestDataDate(r.Context())
	if err != nil {
		return nil, err
	}

	s.cache.EnsureFresh()
	key := cache.Key{BotID: req.BotID, PayloadHash: hash, DataDate: dataDate}
	if !req.NoCache {
		if cached := s.cache.GetBacktest(key); cached != nil {
			return &backtestResponse{Result: cached, PayloadHash: hash, DataDate: dataDate, Cached: true}, nil
		}
	}

	result, err := s.engine.Run(r.Context(), compressed, backtest.RunConfig{
		Mode:    req.Mode,
		CostBps: req.CostBps,
	})
	if err != nil {
		return nil, err
	}

	s.cache.PutBacktest(key, result)
	return &backtestResponse{Result: result, PayloadHash: hash, DataDate: dataDate}, nil
}

type sanityRequest struct {
	backtestRequest
	Iterations   int   `json:"iterations"`
	BlockSize    int   `json:"blockSize"`
	HorizonYears int   `json:"horizonYears"`
	Shards       int   `json:"shards"`
	Seed         int64 `json:"seed"`
}

type sanityResponse struct {
	Report      *domain.SanityReport `json:"report"`
	PayloadHash string               `json:"payloadHash"`
	DataDate    string               `json:"dataDate"`
	Cached      bool                 `json:"cached"`
}

// handleSanity runs the robustness studies over a strategy's backtest.
// POST /api/sanity
func (s *Server) handleSanity(w http.ResponseWriter, r *http.Request) {
	var req sanityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg := sanity.Config{
		Iterations:   req.Iterations,
		BlockSize:    req.BlockSize,
		HorizonYears: req.HorizonYears,
		Shards:       req.Shards,
		Seed:         req.Seed,
	}
	// Only default-parameter reports are cached; overrides would need
	// their own key space and are rare enough to recompute.
	cacheable := cfg == sanity.Config{} && !req.NoCache

	bt, err := s.runBacktest(r, &req.backtestRequest)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	key := cache.Key{BotID: req.BotID, PayloadHash: bt.PayloadHash, DataDate: bt.DataDate}
	if cacheable {
		if cached := s.cache.GetSanity(key); cached != nil {
			s.writeJSON(w, http.StatusOK, sanityResponse{
				Report: cached, PayloadHash: bt.PayloadHash, DataDate: bt.DataDate, Cached: true,
			})
			return
		}
	}

	report, err := s.sanity.Report(r.Context(), bt.Result, cfg)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if cacheable {
		s.cache.PutSanity(key, report)
	}

	s.writeJSON(w, http.StatusOK, sanityResponse{
		Report: report, PayloadHash: bt.PayloadHash, DataDate: bt.DataDate,
	})
}

type optimizeRequest struct {
	Strategies []struct {
		Name    string    `json:"name"`
		Returns []float64 `json:"returns"`
		Beta    float64   `json:"beta"`
	} `json:"strategies"`
	Objective string  `json:"objective"`
	MaxWeight float64 `json:"maxWeight"`
}

// handleOptimize allocates weights across strategy return series.
// POST /api/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	or := optimizer.Request{
		Objective: req.Objective,
		MaxWeight: req.MaxWeight,
	}
	for _, st := range req.Strategies {
		or.Strategies = append(or.Strategies, optimizer.Strategy{
			Name:    st.Name,
			Returns: st.Returns,
			Beta:    st.Beta,
		})
	}

	result, err := s.optimizer.Optimize(or)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleBenchmark returns cached buy-and-hold metrics for one ticker.
// GET /api/benchmarks/{ticker}
func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	dataDate, err := s.prices.LatestDataDate(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.cache.EnsureFresh()
	if cached := s.cache.GetBenchmark(ticker, dataDate); cached != nil {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	m, err := s.engine.BuyAndHoldMetrics(r.Context(), ticker)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.cache.PutBenchmark(ticker, dataDate, m)
	s.writeJSON(w, http.StatusOK, m)
}

// handlePriceImport ingests a CSV price history from the request body.
// POST /api/prices/import?ticker=SPY
func (s *Server) handlePriceImport(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")

	n, err := s.prices.ImportCSVReader(r.Body, ticker)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.log.Info().Str("ticker", ticker).Int("bars", n).Msg("price history imported")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker": ticker,
		"bars":   n,
	})
}

// handleCacheStats returns hit/miss counters and table sizes.
// GET /api/cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.GetStats())
}

// handleCacheFlush drops every cached result.
// DELETE /api/cache
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.InvalidateAll(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// handleCacheInvalidateBot drops every entry of one strategy.
// DELETE /api/cache/{botId}
func (s *Server) handleCacheInvalidateBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botId")

	if err := s.cache.InvalidateBot(botID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "botId": botID})
}

// handleHealth reports process and database health.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbs := make(map[string]string, len(s.databases))
	for _, db := range s.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			status = "degraded"
			dbs[db.Name()] = err.Error()
		} else {
			dbs[db.Name()] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "forge",
		"databases": dbs,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleSystemStatus reports host and runtime load.
// GET /api/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuAvg := 0.0
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuAvg = pct[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("failed to read CPU usage")
	}

	ramPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		ramPct = vm.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("failed to read memory usage")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	dbStats := make(map[string]interface{}, len(s.databases))
	for _, db := range s.databases {
		if st, err := db.GetStats(); err == nil {
			dbStats[db.Name()] = st
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cpu_percent":  cpuAvg,
		"ram_percent":  ramPct,
		"goroutines":   runtime.NumGoroutine(),
		"heap_mb":      ms.Alloc / 1024 / 1024,
		"cache":        s.cache.GetStats(),
		"databases":    dbStats,
		"uptime_hours": time.Since(s.startedAt).Hours(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps engine error kinds onto HTTP statuses: caller
// mistakes are 4xx, missing or thin data is 422, everything else 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case domain.KindStructural, domain.KindConfig:
			s.writeError(w, http.StatusBadRequest, derr.Error())
			return
		case domain.KindDataMissing, domain.KindDataInsufficient, domain.KindEvaluator:
			s.writeError(w, http.StatusUnprocessableEntity, derr.Error())
			return
		}
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}
