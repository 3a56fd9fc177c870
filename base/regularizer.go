package base

import (
	"sort"
	"sync"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Regularizer accumulates weight-decay terms registered while a model is
// built. It is passed explicitly to layer constructors and to the loss.
type Regularizer struct {
	wd     float64
	device gotch.Device

	mu      sync.Mutex
	l2      map[string]*ts.Tensor
	weights map[string]*ts.Tensor
}

// NewRegularizer creates a Regularizer with weight-decay coefficient wd.
func NewRegularizer(wd float64, device gotch.Device) *Regularizer {
	return &Regularizer{
		wd:      wd,
		device:  device,
		l2:      make(map[string]*ts.Tensor),
		weights: make(map[string]*ts.Tensor),
	}
}

// WeightDecay returns the weight-decay coefficient.
func (r *Regularizer) WeightDecay() float64 {
	return r.wd
}

// AddL2 registers w for L2 regularization: wd * sum(w^2) / 2.
func (r *Regularizer) AddL2(name string, w *ts.Tensor) {
	r.mu.Lock()
	r.l2[name] = w
	r.weights[name] = w
	r.mu.Unlock()
}

// AddWeight records w in the weights collection without regularizing it.
func (r *Regularizer) AddWeight(name string, w *ts.Tensor) {
	r.mu.Lock()
	r.weights[name] = w
	r.mu.Unlock()
}

// Names returns sorted names of regularized weights.
func (r *Regularizer) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.l2))
	for n := range r.l2 {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Weights returns sorted names of all recorded weights.
func (r *Regularizer) Weights() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.weights))
	for n := range r.weights {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Len returns number of regularization terms.
func (r *Regularizer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.l2)
}

// Loss sums all regularization terms using current weight values.
// It returns a zero scalar when nothing is registered.
func (r *Regularizer) Loss() *ts.Tensor {
	names := r.Names()

	loss := ts.MustZeros([]int64{}, gotch.Float, r.device)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		w := r.l2[n]
		sq := w.MustMul(w, false)
		term := sq.MustSum(gotch.Float, true).MustMul1(ts.FloatScalar(r.wd/2), true)
		loss = loss.MustAdd(term, true)
		term.MustDrop()
	}

	return loss
}
