// Package cache is the content-addressed result store. Entries are
// keyed by (botId, payloadHash, dataDate); a new data date makes old
// entries inert, and the whole cache is flushed on the first use of a
// new calendar day.
//
// The cache is an accelerator, never a dependency: every failure here
// is logged and absorbed, and callers simply recompute.
package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/domain"
)

const refreshDateKey = "last_refresh_date"

// Key addresses one backtest or sanity entry.
type Key struct {
	BotID       string
	PayloadHash string
	DataDate    string
}

// Stats reports cache effectiveness counters since process start.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Errors   int64 `json:"errors"`
	Backtest int64 `json:"backtestEntries"`
	Sanity   int64 `json:"sanityEntries"`
	Bench    int64 `json:"benchmarkEntries"`
}

// Service wraps the cache database.
type Service struct {
	db  *database.DB
	log zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64

	refreshMu   sync.Mutex
	refreshDate string // local calendar day of the last full flush
}

// NewService creates the cache service and loads the last refresh date.
func NewService(db *database.DB, log zerolog.Logger) *Service {
	s := &Service{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
	}

	var date string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, refreshDateKey).Scan(&date)
	if err == nil {
		s.refreshDate = date
	} else if err != sql.ErrNoRows {
		s.log.Warn().Err(err).Msg("failed to load cache refresh date")
	}
	return s
}

// EnsureFresh flushes the whole cache on the first call of a new local
// calendar day. Must be called before reads; the server does this per
// request and the scheduler proactively after midnight.
func (s *Service) EnsureFresh() {
	today := time.Now().Format("2006-01-02")

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshDate == today {
		return
	}

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		for _, table := range []string{"backtest_results", "sanity_reports", "benchmark_metrics"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, refreshDateKey, today)
		return err
	})
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Msg("daily cache refresh failed")
		return
	}

	s.refreshDate = today
	s.log.Info().Str("date", today).Msg("cache flushed for new day")
}

// GetBacktest returns a cached result, or nil on miss. Errors are
// absorbed as misses.
func (s *Service) GetBacktest(key Key) *domain.BacktestResult {
	blob, ok := s.getBlob("backtest_results", "result", key)
	if !ok {
		return nil
	}

	var result domain.BacktestResult
	if err := msgpack.Unmarshal(blob, &result); err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("bot", key.BotID).Msg("failed to decode cached backtest")
		return nil
	}
	return &result
}

// PutBacktest stores a result. Best effort; failures are warnings.
func (s *Service) PutBacktest(key Key, result *domain.BacktestResult) {
	s.putBlob("backtest_results", "result", key, result)
}

// GetSanity returns a cached sanity report, or nil on miss.
func (s *Service) GetSanity(key Key) *domain.SanityReport {
	blob, ok := s.getBlob("sanity_reports", "report", key)
	if !ok {
		return nil
	}

	var report domain.SanityReport
	if err := msgpack.Unmarshal(blob, &report); err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("bot", key.BotID).Msg("failed to decode cached sanity report")
		return nil
	}
	return &report
}

// PutSanity stores a sanity report.
func (s *Service) PutSanity(key Key, report *domain.SanityReport) {
	s.putBlob("sanity_reports", "report", key, report)
}

// GetBenchmark returns cached buy-and-hold metrics for a ticker.
func (s *Service) GetBenchmark(ticker, dataDate string) *domain.BenchmarkMetrics {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT metrics FROM benchmark_metrics WHERE ticker = ? AND data_date = ?`,
		ticker, dataDate).Scan(&blob)
	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil
	}
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("benchmark cache read failed")
		return nil
	}

	var m domain.BenchmarkMetrics
	if err := msgpack.Unmarshal(blob, &m); err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("failed to decode cached benchmark metrics")
		return nil
	}
	s.hits.Add(1)
	return &m
}

// PutBenchmark stores buy-and-hold metrics for a ticker.
func (s *Service) PutBenchmark(ticker, dataDate string, m *domain.BenchmarkMetrics) {
	blob, err := msgpack.Marshal(m)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("failed to encode benchmark metrics")
		return
	}

	_, err = s.db.Exec(`INSERT INTO benchmark_metrics (ticker, data_date, metrics)
		VALUES (?, ?, ?)
		ON CONFLICT(ticker, data_date) DO UPDATE SET metrics = excluded.metrics`,
		ticker, dataDate, blob)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("benchmark cache write failed")
	}
}

// InvalidateBot removes all entries of one strategy, e.g. when it is
// deleted or republished.
func (s *Service) InvalidateBot(botID string) error {
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		for _, table := range []string{"backtest_results", "sanity_reports"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE bot_id = ?", botID); err != nil {
				return fmt.Errorf("failed to purge %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapError(domain.KindCache, err, "failed to invalidate bot %s", botID)
	}
	return nil
}

// InvalidateAll flushes every entry immediately, regardless of date.
func (s *Service) InvalidateAll() error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		for _, table := range []string{"backtest_results", "sanity_reports", "benchmark_metrics"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapError(domain.KindCache, err, "failed to invalidate cache")
	}
	return nil
}

// GetStats returns hit/miss counters and table sizes.
func (s *Service) GetStats() Stats {
	stats := Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Errors: s.errors.Load(),
	}

	counts := []struct {
		table string
		dst   *int64
	}{
		{"backtest_results", &stats.Backtest},
		{"sanity_reports", &stats.Sanity},
		{"benchmark_metrics", &stats.Bench},
	}
	for _, c := range counts {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dst); err != nil {
			s.log.Warn().Err(err).Str("table", c.table).Msg("failed to count cache entries")
		}
	}
	return stats
}

func (s *Service) getBlob(table, column string, key Key) ([]byte, bool) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT "+column+" FROM "+table+" WHERE bot_id = ? AND payload_hash = ? AND data_date = ?",
		key.BotID, key.PayloadHash, key.DataDate).Scan(&blob)
	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil, false
	}
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("table", table).Str("bot", key.BotID).Msg("cache read failed")
		return nil, false
	}
	s.hits.Add(1)
	return blob, true
}

func (s *Service) putBlob(table, column string, key Key, value interface{}) {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("table", table).Msg("failed to encode cache entry")
		return
	}

	_, err = s.db.Exec(
		"INSERT INTO "+table+" (id, bot_id, payload_hash, data_date, "+column+") VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT(bot_id, payload_hash, data_date) DO UPDATE SET "+column+" = excluded."+column,
		uuid.NewString(), key.BotID, key.PayloadHash, key.DataDate, blob)
	if err != nil {
		s.errors.Add(1)
		s.log.Warn().Err(err).Str("table", table).Str("bot", key.BotID).Msg("cache write failed")
	}
}
