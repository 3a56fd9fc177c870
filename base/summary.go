package base

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ActivationStats holds statistics of one observed activation tensor.
type ActivationStats struct {
	Count    int
	Mean     float64
	StdDev   float64
	Min      float64
	Max      float64
	Sparsity float64 // fraction of exact zeros
}

// Summary collects activation statistics for monitoring.
// A nil *Summary is valid and records nothing.
type Summary struct {
	mu     sync.Mutex
	stats  map[string]ActivationStats
	values map[string][]float64
}

// NewSummary creates an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		stats:  make(map[string]ActivationStats),
		values: make(map[string][]float64),
	}
}

// Observe records statistics and values of x under name.
func (s *Summary) Observe(name string, x *ts.Tensor) {
	if s == nil {
		return
	}

	var vals []float64
	ts.NoGrad(func() {
		vals = x.Float64Values()
	})

	st := computeStats(vals)

	s.mu.Lock()
	s.stats[name] = st
	s.values[name] = vals
	s.mu.Unlock()
}

func computeStats(vals []float64) ActivationStats {
	if len(vals) == 0 {
		return ActivationStats{}
	}

	mean, std := stat.MeanStdDev(vals, nil)
	zeros := 0
	for _, v := range vals {
		if v == 0 {
			zeros++
		}
	}

	return ActivationStats{
		Count:    len(vals),
		Mean:     mean,
		StdDev:   std,
		Min:      floats.Min(vals),
		Max:      floats.Max(vals),
		Sparsity: float64(zeros) / float64(len(vals)),
	}
}

// Stats returns the last statistics recorded for name.
func (s *Summary) Stats(name string) (ActivationStats, bool) {
	if s == nil {
		return ActivationStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	return st, ok
}

// Names returns sorted names of observed activations.
func (s *Summary) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.stats))
	for n := range s.stats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SaveHistogram writes a histogram of the last values observed for name to a PNG/SVG file.
func (s *Summary) SaveHistogram(name, path string, bins int) error {
	if s == nil {
		return errors.New("nil summary")
	}
	s.mu.Lock()
	vals, ok := s.values[name]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("no activations recorded for %q", name)
	}

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = name + "/activations"

	v := make(plotter.Values, len(vals))
	copy(v, vals)
	h, err := plotter.NewHist(v, bins)
	if err != nil {
		return errors.Wrapf(err, "histogram of %q", name)
	}
	p.Add(h)

	return p.Save(4*vg.Inch, 4*vg.Inch, path)
}
