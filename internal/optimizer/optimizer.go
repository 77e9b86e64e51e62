// Package optimizer allocates capital across a set of strategies by
// projected gradient descent over their daily-return series.
package optimizer

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/pkg/formulas"
)

// Objectives.
const (
	// ObjectiveVolatility - minimize portfolio variance
	ObjectiveVolatility = "volatility"
	// ObjectiveSharpe - maximize portfolio Sharpe
	ObjectiveSharpe = "sharpe"
	// ObjectiveBeta - minimize the absolute weighted beta
	ObjectiveBeta = "beta"
	// ObjectiveCorrelation - minimize average absolute pairwise correlation
	ObjectiveCorrelation = "correlation"
)

const (
	learningRate  = 0.01
	iterations    = 1000
	minAlignedLen = 50
	gradEpsilon   = 1e-6
)

// Strategy is one optimizer input: a name, the strategy's daily
// returns (most recent last), and optionally its beta versus SPY.
type Strategy struct {
	Name    string
	Returns []float64
	Beta    float64
}

// Request configures one optimization.
type Request struct {
	Strategies []Strategy
	Objective  string
	MaxWeight  float64 // per-strategy cap, 1 disables it
}

// PortfolioMetrics summarizes the optimized blend.
type PortfolioMetrics struct {
	CAGR        float64 `json:"cagr"`
	Volatility  float64 `json:"volatility"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	Beta        float64 `json:"beta"`
}

// Result is the optimizer output.
type Result struct {
	Weights     map[string]float64 `json:"weights"`
	Metrics     PortfolioMetrics   `json:"metrics"`
	Correlation [][]float64        `json:"correlation"`
	AlignedDays int                `json:"alignedDays"`
}

// Optimizer solves constrained strategy allocations.
type Optimizer struct {
	riskFreeRate float64
	log          zerolog.Logger
}

// New creates an optimizer.
func New(riskFreeRate float64, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		riskFreeRate: riskFreeRate,
		log:          log.With().Str("component", "optimizer").Logger(),
	}
}

// Optimize aligns the inputs, builds covariance and correlation
// matrices, and runs projected gradient descent on the objective.
func (o *Optimizer) Optimize(req Request) (*Result, error) {
	if req.MaxWeight <= 0 || req.MaxWeight > 1 {
		req.MaxWeight = 1
	}

	aligned, length := alignReturns(req.Strategies)
	if len(aligned) < 2 || length < minAlignedLen {
		return nil, domain.NewError(domain.KindDataInsufficient,
			"need at least 2 strategies with %d aligned days, have %d strategies over %d days",
			minAlignedLen, len(aligned), length)
	}

	n := len(aligned)
	cov := covarianceMatrix(aligned)
	corr := correlationMatrix(aligned)
	means := make([]float64, n)
	betas := make([]float64, n)
	for i, s := range aligned {
		means[i] = formulas.Mean(s.Returns)
		betas[i] = s.Beta
	}

	objective, err := o.objectiveFunc(req.Objective, cov, corr, means, betas)
	if err != nil {
		return nil, err
	}

	// Projected gradient descent from the equal-weight start.
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	grad := make([]float64, n)
	probe := make([]float64, n)

	for it := 0; it < iterations; it++ {
		numericalGradient(objective, weights, grad, probe)
		for i := range weights {
			weights[i] -= learningRate * grad[i]
		}
		projectSimplex(weights, req.MaxWeight)
	}

	result := &Result{
		Weights:     make(map[string]float64, n),
		Correlation: matrixRows(corr),
		AlignedDays: length,
	}
	for i, s := range aligned {
		result.Weights[s.Name] = weights[i]
	}
	result.Metrics = portfolioMetrics(aligned, weights, betas, o.riskFreeRate)

	o.log.Debug().
		Str("objective", req.Objective).
		Int("strategies", n).
		Int("alignedDays", length).
		Msg("optimization complete")

	return result, nil
}

// alignReturns anchors every series at its most recent day and
// truncates all of them to the shortest tail. Series shorter than the
// minimum are dropped.
func alignReturns(strategies []Strategy) ([]Strategy, int) {
	shortest := math.MaxInt
	var usable []Strategy
	for _, s := range strategies {
		if len(s.Returns) < minAlignedLen {
			continue
		}
		usable = append(usable, s)
		if len(s.Returns) < shortest {
			shortest = len(s.Returns)
		}
	}
	if len(usable) == 0 {
		return nil, 0
	}

	out := make([]Strategy, len(usable))
	for i, s := range usable {
		out[i] = Strategy{
			Name:    s.Name,
			Returns: s.Returns[len(s.Returns)-shortest:],
			Beta:    s.Beta,
		}
	}
	return out, shortest
}

func covarianceMatrix(strategies []Strategy) *mat.SymDense {
	n := len(strategies)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, stat.Covariance(strategies[i].Returns, strategies[j].Returns, nil))
		}
	}
	return out
}

func correlationMatrix(strategies []Strategy) *mat.SymDense {
	n := len(strategies)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			out.SetSym(i, j, stat.Correlation(strategies[i].Returns, strategies[j].Returns, nil))
		}
	}
	return out
}

// objectiveFunc returns the scalar function gradient descent minimizes.
func (o *Optimizer) objectiveFunc(name string, cov, corr *mat.SymDense, means, betas []float64) (func(w []float64) float64, error) {
	switch name {
	case ObjectiveVolatility:
		return func(w []float64) float64 {
			return quadraticForm(cov, w)
		}, nil

	case ObjectiveSharpe:
		rf := o.riskFreeRate
		return func(w []float64) float64 {
			variance := quadraticForm(cov, w)
			if variance <= 0 {
				return 0
			}
			annualReturn := dot(means, w) * formulas.TradingDaysPerYear
			annualVol := math.Sqrt(variance) * math.Sqrt(formulas.TradingDaysPerYear)
			return -(annualReturn - rf) / annualVol
		}, nil

	case ObjectiveBeta:
		return func(w []float64) float64 {
			return math.Abs(dot(betas, w))
		}, nil

	case ObjectiveCorrelation:
		n := len(means)
		return func(w []float64) float64 {
			num, den := 0.0, 0.0
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					if i == j {
						continue
					}
					pair := w[i] * w[j]
					num += pair * math.Abs(corr.At(i, j))
					den += pair
				}
			}
			if den <= 0 {
				return 0
			}
			return num / den
		}, nil

	default:
		return nil, domain.NewError(domain.KindConfig, "unknown objective %q", name)
	}
}

// numericalGradient fills grad with the central-difference gradient of
// fn at w. probe is scratch space of the same length.
func numericalGradient(fn func([]float64) float64, w, grad, probe []float64) {
	copy(probe, w)
	for i := range w {
		probe[i] = w[i] + gradEpsilon
		up := fn(probe)
		probe[i] = w[i] - gradEpsilon
		down := fn(probe)
		probe[i] = w[i]
		grad[i] = (up - down) / (2 * gradEpsilon)
	}
}

// projectSimplex projects weights onto {w : 0 <= w_i <= cap, sum = 1}.
// When n*cap < 1 the constraint set is empty; mass is then spread
// equally, which keeps the sum invariant and treats the cap as tight.
func projectSimplex(w []float64, cap float64) {
	n := len(w)
	if float64(n)*cap <= 1 {
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return
	}

	for pass := 0; pass < n+1; pass++ {
		sum := 0.0
		for i := range w {
			if w[i] < 0 {
				w[i] = 0
			}
			if w[i] > cap {
				w[i] = cap
			}
			sum += w[i]
		}
		if math.Abs(sum-1) < 1e-12 {
			return
		}

		// Distribute the residual across weights with headroom.
		residual := 1 - sum
		if residual > 0 {
			headroom := 0.0
			for i := range w {
				headroom += cap - w[i]
			}
			if headroom <= 0 {
				return
			}
			for i := range w {
				w[i] += residual * (cap - w[i]) / headroom
			}
		} else {
			mass := 0.0
			for i := range w {
				mass += w[i]
			}
			if mass <= 0 {
				for i := range w {
					w[i] = 1 / float64(n)
				}
				return
			}
			for i := range w {
				w[i] += residual * w[i] / mass
			}
		}
	}
}

func portfolioMetrics(strategies []Strategy, weights, betas []float64, riskFree float64) PortfolioMetrics {
	length := len(strategies[0].Returns)
	combined := make([]float64, length)
	for t := 0; t < length; t++ {
		for i, s := range strategies {
			combined[t] += weights[i] * s.Returns[t]
		}
	}

	equity := make([]float64, length+1)
	equity[0] = 1
	for i, r := range combined {
		equity[i+1] = equity[i] * (1 + r)
	}

	m := PortfolioMetrics{
		CAGR:        formulas.CalculateAnnualReturn(combined),
		Volatility:  formulas.AnnualizedVolatility(combined),
		MaxDrawdown: formulas.MaxDrawdown(equity),
		Beta:        dot(betas, weights),
	}
	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - riskFree) / m.Volatility
	}
	return m
}

func quadraticForm(m *mat.SymDense, w []float64) float64 {
	n := len(w)
	total := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			total += w[i] * w[j] * m.At(i, j)
		}
	}
	return total
}

func dot(a, b []float64) float64 {
	total := 0.0
	for i := range a {
		total += a[i] * b[i]
	}
	return total
}

func matrixRows(m *mat.SymDense) [][]float64 {
	n, _ := m.Dims()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
