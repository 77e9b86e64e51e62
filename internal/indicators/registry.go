// Package indicators computes whole-series technical indicators over
// daily price history. Values before an indicator's lookback are NaN;
// callers treat NaN as "not yet evaluable".
package indicators

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/pkg/formulas"
)

// Supported indicator names.
const (
	RSI      = "RSI"       // Wilder relative strength index
	SMA      = "SMA"       // simple moving average of adjusted close
	EMA      = "EMA"       // exponential moving average of adjusted close
	MOM      = "MOM"       // close - close[n days ago]
	ROC      = "ROC"       // (close / close[n days ago] - 1) * 100
	STDEV    = "STDEV"     // annualized stdev of daily returns, percent
	MaxDD    = "MAX_DD"    // worst drawdown over the window, negative percent
	CumRet   = "CUM_RET"   // cumulative return over the window, percent
	Price    = "PRICE"     // adjusted close itself
	MaReturn = "MA_RETURN" // moving average of daily returns, percent
	InvVol   = "INV_VOL"   // inverse of rolling stdev of daily returns
)

// Lookback returns the number of leading bars an indicator needs before
// it produces a value. Unknown names are a config error.
func Lookback(name string, window int) (int, error) {
	switch name {
	case Price:
		return 0, nil
	case SMA, EMA, MaxDD:
		return window - 1, nil
	case RSI, MOM, ROC, CumRet, STDEV, MaReturn, InvVol:
		return window, nil
	default:
		return 0, domain.NewError(domain.KindConfig, "unknown indicator %q", name)
	}
}

// validateWindow rejects windows an indicator cannot work with.
func validateWindow(name string, window int) error {
	if name == Price {
		return nil
	}
	if window < 1 {
		return domain.NewError(domain.KindConfig, "indicator %s requires a positive window, got %d", name, window)
	}
	if window < 2 && (name == STDEV || name == InvVol) {
		return domain.NewError(domain.KindConfig, "indicator %s requires a window of at least 2", name)
	}
	return nil
}

// Service computes and memoizes indicator series. The cache is keyed by
// (ticker, name, window); entries live until Invalidate.
type Service struct {
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[string][]float64
}

// NewService creates an indicator service.
func NewService(log zerolog.Logger) *Service {
	return &Service{
		log:   log.With().Str("component", "indicators").Logger(),
		cache: make(map[string][]float64),
	}
}

// Series returns the indicator values aligned to the series bars.
// Positions before the lookback hold NaN.
func (s *Service) Series(series *domain.Series, name string, window int) ([]float64, error) {
	if err := validateWindow(name, window); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%d", series.Ticker, name, window)

	s.mu.RLock()
	if values, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return values, nil
	}
	s.mu.RUnlock()

	values, err := compute(series, name, window)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = values
	s.mu.Unlock()

	return values, nil
}

// Invalidate clears all memoized series (e.g. after a price refresh).
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string][]float64)
	s.mu.Unlock()
	s.log.Debug().Msg("indicator cache cleared")
}

func compute(series *domain.Series, name string, window int) ([]float64, error) {
	closes := make([]float64, len(series.Bars))
	for i, b := range series.Bars {
		closes[i] = b.AdjClose
	}
	return ComputeValues(closes, name, window)
}

// ComputeValues computes an indicator over a raw value series. Used
// directly for series that are not ticker prices, such as simulated
// branch equity curves.
func ComputeValues(closes []float64, name string, window int) ([]float64, error) {
	if err := validateWindow(name, window); err != nil {
		return nil, err
	}

	lookback, err := Lookback(name, window)
	if err != nil {
		return nil, err
	}
	if len(closes) <= lookback && name != Price {
		// Not enough history for a single value; all NaN.
		return nanSlice(len(closes)), nil
	}

	var values []float64
	switch name {
	case Price:
		values = closes

	case RSI:
		values = talib.Rsi(closes, window)

	case SMA:
		values = talib.Sma(closes, window)

	case EMA:
		values = talib.Ema(closes, window)

	case MOM:
		values = talib.Mom(closes, window)

	case ROC, CumRet:
		values = talib.Roc(closes, window)

	case STDEV:
		values = rollingReturnStdev(closes, window)
		for i := range values {
			if !math.IsNaN(values[i]) {
				values[i] *= math.Sqrt(formulas.TradingDaysPerYear) * 100
			}
		}

	case InvVol:
		values = rollingReturnStdev(closes, window)
		for i := range values {
			if !math.IsNaN(values[i]) {
				if values[i] == 0 {
					values[i] = math.NaN()
				} else {
					values[i] = 1 / values[i]
				}
			}
		}

	case MaReturn:
		values = rollingReturnMean(closes, window)
		for i := range values {
			if !math.IsNaN(values[i]) {
				values[i] *= 100
			}
		}

	case MaxDD:
		values = rollingMaxDrawdown(closes, window)

	default:
		return nil, domain.NewError(domain.KindConfig, "unknown indicator %q", name)
	}

	// talib fills the warm-up region with zeros; mask it to NaN so the
	// evaluator can tell "no value yet" from a genuine zero.
	out := make([]float64, len(values))
	copy(out, values)
	for i := 0; i < lookback && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out, nil
}

// rollingReturnStdev computes the sample stdev of the trailing window
// daily returns at each bar.
func rollingReturnStdev(closes []float64, window int) []float64 {
	returns := formulas.CalculateReturns(closes)
	out := nanSlice(len(closes))
	for i := window; i < len(closes); i++ {
		// Returns r[i-window .. i-1] correspond to bars i-window+1 .. i.
		out[i] = formulas.StdDev(returns[i-window : i])
	}
	return out
}

// rollingReturnMean computes the mean of the trailing window daily
// returns at each bar.
func rollingReturnMean(closes []float64, window int) []float64 {
	returns := formulas.CalculateReturns(closes)
	out := nanSlice(len(closes))
	for i := window; i < len(closes); i++ {
		out[i] = formulas.Mean(returns[i-window : i])
	}
	return out
}

// rollingMaxDrawdown computes the worst drawdown inside each trailing
// window of bars, as a negative percent.
func rollingMaxDrawdown(closes []float64, window int) []float64 {
	out := nanSlice(len(closes))
	for i := window - 1; i < len(closes); i++ {
		out[i] = formulas.MaxDrawdown(closes[i-window+1:i+1]) * 100
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
