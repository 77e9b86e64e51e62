// Package prices provides the daily price store backing the evaluator.
// Series are read from SQLite and memoized in an in-process snapshot
// cache with a TTL so repeated backtests of the same universe do not
// hit the database per run.
package prices

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/domain"
)

// batchConcurrency bounds the parallel series loads in GetSeriesBatch.
const batchConcurrency = 8

type cachedSeries struct {
	series    *domain.Series
	fetchedAt time.Time
}

// Store reads and writes daily price series.
type Store struct {
	db  *database.DB
	log zerolog.Logger
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]*cachedSeries

	probeMu        sync.Mutex
	probeTicker    string
	probeDate      string
	probeCheckedAt time.Time
}

// NewStore creates a price store over the prices database.
// ttl controls how long fetched series are served from memory;
// probeTicker is the ticker whose latest date defines the data date.
func NewStore(db *database.DB, ttl time.Duration, probeTicker string, log zerolog.Logger) *Store {
	return &Store{
		db:          db,
		log:         log.With().Str("component", "prices").Logger(),
		ttl:         ttl,
		cache:       make(map[string]*cachedSeries),
		probeTicker: probeTicker,
	}
}

// GetSeries returns the full daily history for a ticker, served from the
// snapshot cache when fresh. A ticker with no rows at all yields a
// data-missing error.
func (s *Store) GetSeries(ctx context.Context, ticker string) (*domain.Series, error) {
	s.mu.RLock()
	if c, ok := s.cache[ticker]; ok && time.Since(c.fetchedAt) < s.ttl {
		s.mu.RUnlock()
		return c.series, nil
	}
	s.mu.RUnlock()

	series, err := s.loadSeries(ctx, ticker)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[ticker] = &cachedSeries{series: series, fetchedAt: time.Now()}
	s.mu.Unlock()

	return series, nil
}

// GetSeriesBatch loads several tickers concurrently. The first failure
// cancels the remaining loads.
func (s *Store) GetSeriesBatch(ctx context.Context, tickers []string) (map[string]*domain.Series, error) {
	out := make(map[string]*domain.Series, len(tickers))
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			series, err := s.GetSeries(gctx, ticker)
			if err != nil {
				return err
			}
			outMu.Lock()
			out[ticker] = series
			outMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) loadSeries(ctx context.Context, ticker string) (*domain.Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, adj_close
		FROM daily_prices
		WHERE ticker = ?
		ORDER BY date ASC`, ticker)
	if err != nil {
		return nil, domain.WrapError(domain.KindEvaluator, err, "failed to query prices").WithTicker(ticker)
	}
	defer rows.Close()

	series := &domain.Series{Ticker: ticker}
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.AdjClose); err != nil {
			return nil, domain.WrapError(domain.KindEvaluator, err, "failed to scan price row").WithTicker(ticker)
		}
		series.Bars = append(series.Bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.KindEvaluator, err, "price row iteration failed").WithTicker(ticker)
	}

	if len(series.Bars) == 0 {
		return nil, domain.NewError(domain.KindDataMissing, "no price history").WithTicker(ticker)
	}

	s.log.Debug().Str("ticker", ticker).Int("bars", len(series.Bars)).Msg("loaded price series")
	return series, nil
}

// LatestDataDate returns the most recent trading date of the probe
// ticker. The answer is memoized for 60 seconds so that cache lookups
// under load do not hammer the database.
func (s *Store) LatestDataDate(ctx context.Context) (string, error) {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	if s.probeDate != "" && time.Since(s.probeCheckedAt) < 60*time.Second {
		return s.probeDate, nil
	}

	var date sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM daily_prices WHERE ticker = ?`, s.probeTicker).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to probe latest data date: %w", err)
	}
	if !date.Valid || date.String == "" {
		return "", domain.NewError(domain.KindDataMissing, "probe ticker has no price history").WithTicker(s.probeTicker)
	}

	s.probeDate = date.String
	s.probeCheckedAt = time.Now()
	return s.probeDate, nil
}

// MarketCaps returns the market cap of each requested ticker that has
// one recorded. Tickers without a cap are absent from the map.
func (s *Store) MarketCaps(ctx context.Context, tickers []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tickers))
	for _, ticker := range tickers {
		var cap sql.NullFloat64
		err := s.db.QueryRowContext(ctx,
			`SELECT market_cap FROM tickers WHERE ticker = ?`, ticker).Scan(&cap)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read market cap for %s: %w", ticker, err)
		}
		if cap.Valid && cap.Float64 > 0 {
			out[ticker] = cap.Float64
		}
	}
	return out, nil
}

// UpsertBars writes a batch of bars for a ticker inside one transaction
// and invalidates the ticker's snapshot.
func (s *Store) UpsertBars(ticker string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO daily_prices (ticker, date, open, high, low, close, adj_close)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticker, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				adj_close = excluded.adj_close`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.Exec(ticker, b.Date, b.Open, b.High, b.Low, b.Close, b.AdjClose); err != nil {
				return fmt.Errorf("failed to upsert bar %s/%s: %w", ticker, b.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Invalidate(ticker)
	s.log.Info().Str("ticker", ticker).Int("bars", len(bars)).Msg("upserted price bars")
	return nil
}

// UpsertTickerMeta records ticker metadata used by market-cap weighting.
func (s *Store) UpsertTickerMeta(ticker, name string, marketCap float64) error {
	_, err := s.db.Exec(`
		INSERT INTO tickers (ticker, name, market_cap, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(ticker) DO UPDATE SET
			name = excluded.name,
			market_cap = excluded.market_cap,
			updated_at = excluded.updated_at`,
		ticker, name, marketCap)
	if err != nil {
		return fmt.Errorf("failed to upsert ticker metadata for %s: %w", ticker, err)
	}
	return nil
}

// Invalidate drops a ticker's snapshot, or all snapshots when ticker is
// empty. The probe memo is dropped too.
func (s *Store) Invalidate(ticker string) {
	s.mu.Lock()
	if ticker == "" {
		s.cache = make(map[string]*cachedSeries)
	} else {
		delete(s.cache, ticker)
	}
	s.mu.Unlock()

	s.probeMu.Lock()
	s.probeDate = ""
	s.probeMu.Unlock()
}
