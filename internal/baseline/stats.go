package baseline

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

// Method selects the statistic a baseline is reduced to.
type Method string

const (
	MethodMean   Method = "mean"
	MethodMedian Method = "median"
)

// Summary describes a window of historical observations.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
}

// Summarize reduces values to a Summary. An empty slice yields the zero Summary.
func Summarize(values []float64) (Summary, error) {
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s, nil
	}
	if len(values) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	} else {
		s.Mean = values[0]
	}
	median, err := stats.Median(stats.Float64Data(values))
	if err != nil {
		return s, eris.Wrap(err, "baseline: median")
	}
	s.Median = median
	return s, nil
}

// Value returns the reference value for method.
func (s Summary) Value(m Method) float64 {
	if m == MethodMedian {
		return s.Median
	}
	return s.Mean
}

// ZScore returns how many standard deviations v lies from the mean. ok is
// false when the window has no spread.
func (s Summary) ZScore(v float64) (float64, bool) {
	if s.Count < 2 || s.StdDev == 0 || math.IsNaN(s.StdDev) {
		return 0, false
	}
	return (v - s.Mean) / s.StdDev, true
}
