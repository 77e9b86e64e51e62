package indicators

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forge/internal/domain"
)

func seriesFromCloses(ticker string, closes []float64) *domain.Series {
	s := &domain.Series{Ticker: ticker}
	for i, c := range closes {
		s.Bars = append(s.Bars, domain.Bar{
			Date:     fmt.Sprintf("2024-01-%02d", i+1),
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			AdjClose: c,
		})
	}
	return s
}

func TestLookback(t *testing.T) {
	tests := []struct {
		name   string
		window int
		want   int
	}{
		{Price, 0, 0},
		{SMA, 10, 9},
		{EMA, 10, 9},
		{MaxDD, 10, 9},
		{RSI, 14, 14},
		{MOM, 5, 5},
		{ROC, 5, 5},
		{CumRet, 5, 5},
		{STDEV, 20, 20},
		{MaReturn, 20, 20},
		{InvVol, 20, 20},
	}

	for _, tt := range tests {
		got, err := Lookback(tt.name, tt.window)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestLookbackUnknownIndicator(t *testing.T) {
	_, err := Lookback("MAGIC", 10)
	require.Error(t, err)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.KindConfig, derr.Kind)
}

func TestPriceIndicator(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 101, 102})

	values, err := svc.Series(s, Price, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 102}, values)
}

func TestSMAWarmupIsNaN(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{1, 2, 3, 4, 5})

	values, err := svc.Series(s, SMA, 3)
	require.NoError(t, err)
	require.Len(t, values, 5)
	assert.True(t, math.IsNaN(values[0]))
	assert.True(t, math.IsNaN(values[1]))
	assert.InDelta(t, 2.0, values[2], 1e-9)
	assert.InDelta(t, 3.0, values[3], 1e-9)
	assert.InDelta(t, 4.0, values[4], 1e-9)
}

func TestCumRetMatchesManual(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 110, 121, 133.1})

	values, err := svc.Series(s, CumRet, 2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(values[1]))
	// (121/100 - 1) * 100 = 21%
	assert.InDelta(t, 21.0, values[2], 1e-6)
	assert.InDelta(t, 21.0, values[3], 1e-6)
}

func TestMaxDDNegativePercent(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 120, 90, 95})

	values, err := svc.Series(s, MaxDD, 4)
	require.NoError(t, err)
	// Peak 120 to trough 90 is a 25% decline.
	assert.InDelta(t, -25.0, values[3], 1e-9)
}

func TestInvVolIsReciprocalOfStdev(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 101, 99, 102, 98, 103, 100})

	stdev, err := svc.Series(s, STDEV, 3)
	require.NoError(t, err)
	inv, err := svc.Series(s, InvVol, 3)
	require.NoError(t, err)

	for i := 3; i < len(inv); i++ {
		// STDEV carries the annualization factor, undo it.
		raw := stdev[i] / (math.Sqrt(252) * 100)
		assert.InDelta(t, 1/raw, inv[i], 1e-6, "index %d", i)
	}
}

func TestTooShortSeriesIsAllNaN(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 101})

	values, err := svc.Series(s, RSI, 14)
	require.NoError(t, err)
	for _, v := range values {
		assert.True(t, math.IsNaN(v))
	}
}

func TestWindowValidation(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{100, 101, 102})

	_, err := svc.Series(s, SMA, 0)
	require.Error(t, err)

	_, err = svc.Series(s, STDEV, 1)
	require.Error(t, err)
}

func TestSeriesIsMemoized(t *testing.T) {
	svc := NewService(zerolog.Nop())
	s := seriesFromCloses("AAPL", []float64{1, 2, 3, 4, 5})

	first, err := svc.Series(s, SMA, 2)
	require.NoError(t, err)
	second, err := svc.Series(s, SMA, 2)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%p", first), fmt.Sprintf("%p", second), "same backing slice")

	svc.Invalidate()
	third, err := svc.Series(s, SMA, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, second[1:], third[1:], 1e-12)
}
