package metric

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/fcnseg/base"
)

// ClassCounts are pixel counts of one class.
type ClassCounts struct {
	TP, TN, FP, FN int64
}

// ConfusionMatrix counts pixels by true class (row) and predicted class (column).
type ConfusionMatrix struct {
	NumClasses int
	Counts     [][]int64
}

// NewConfusionMatrix creates an empty numClasses x numClasses ConfusionMatrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	counts := make([][]int64, numClasses)
	for i := range counts {
		counts[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Counts: counts}
}

// Add counts predicted against true class indices. Nothing is counted
// when any index is out of range.
func (m *ConfusionMatrix) Add(pred, truth []int64) error {
	if len(pred) != len(truth) {
		return errors.Wrapf(base.ErrShapeMismatch, "%d predictions, %d labels", len(pred), len(truth))
	}
	n := int64(m.NumClasses)
	for i := range pred {
		p, t := pred[i], truth[i]
		if p < 0 || p >= n || t < 0 || t >= n {
			return errors.Errorf("pixel %d: class out of range [0, %d): pred %d, label %d", i, n, p, t)
		}
	}
	for i := range pred {
		m.Counts[truth[i]][pred[i]]++
	}
	return nil
}

// Total returns number of counted pixels.
func (m *ConfusionMatrix) Total() int64 {
	var total int64
	for _, row := range m.Counts {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// Correct returns number of pixels predicted as their true class.
func (m *ConfusionMatrix) Correct() int64 {
	var correct int64
	for i := range m.Counts {
		correct += m.Counts[i][i]
	}
	return correct
}

// ClassCounts returns counts of class c.
//
// With legacy, FN counts pixels where pred != c and pred == c, which is
// always zero. This reproduces metrics reported by older dashboards.
func (m *ConfusionMatrix) ClassCounts(c int, legacy bool) ClassCounts {
	var cc ClassCounts
	for t, row := range m.Counts {
		for p, v := range row {
			switch {
			case p == c && t == c:
				cc.TP += v
			case p == c && t != c:
				cc.FP += v
			case p != c && t == c:
				cc.FN += v
			default:
				cc.TN += v
			}
		}
	}
	if legacy {
		cc.FN = 0
	}
	return cc
}

// MetricBundle holds evaluation metrics of a batch or a dataset.
//
// Divisions are unguarded: a class with no predicted (or no true) pixels
// gets NaN precision (or recall), which propagates into the means.
type MetricBundle struct {
	Accuracy float64

	Precision []float64
	Recall    []float64
	F1        []float64
	IoU       []float64
	Counts    []ClassCounts

	MeanPrecision float64
	MeanRecall    float64
	MeanF1        float64
	MeanIoU       float64
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// NewMetricBundle computes metrics from a confusion matrix.
func NewMetricBundle(m *ConfusionMatrix, legacyFN bool) *MetricBundle {
	n := m.NumClasses
	b := &MetricBundle{
		Precision: make([]float64, n),
		Recall:    make([]float64, n),
		F1:        make([]float64, n),
		IoU:       make([]float64, n),
		Counts:    make([]ClassCounts, n),
	}

	for c := 0; c < n; c++ {
		cc := m.ClassCounts(c, legacyFN)
		tp, fp, fn := float64(cc.TP), float64(cc.FP), float64(cc.FN)

		p := tp / (tp + fp)
		r := tp / (tp + fn)
		b.Counts[c] = cc
		b.Precision[c] = p
		b.Recall[c] = r
		b.F1[c] = (2 * p * r) / (p + r)
		b.IoU[c] = tp / (tp + fp + fn)
	}

	b.Accuracy = float64(m.Correct()) / float64(m.Total())
	b.MeanPrecision = mean(b.Precision)
	b.MeanRecall = mean(b.Recall)
	b.MeanF1 = mean(b.F1)
	b.MeanIoU = mean(b.IoU)

	return b
}

// NamedValue is a named scalar metric.
type NamedValue struct {
	Name  string
	Value float64
}

// EvalList returns named scalars in reporting order. losses may be nil.
func (b *MetricBundle) EvalList(losses *LossValues) []NamedValue {
	list := []NamedValue{{"Acc. ", b.Accuracy}}
	if losses != nil {
		list = append(list,
			NamedValue{"xentropy", losses.Primary},
			NamedValue{"weight_loss", losses.Regularization},
		)
	}
	list = append(list,
		NamedValue{"Overall Precision ", b.MeanPrecision},
		NamedValue{"Overall Recall", b.MeanRecall},
		NamedValue{"Overall F1 score ", b.MeanF1},
	)

	return list
}

// Scalars returns per-class and overall metrics keyed as "c<i>_Precision",
// "c<i>_Recall", "c<i>_F1_Score" and "Accuracy".
func (b *MetricBundle) Scalars() map[string]float64 {
	out := map[string]float64{"Accuracy": b.Accuracy}
	for c := range b.Precision {
		out[fmt.Sprintf("c%d_Precision", c)] = b.Precision[c]
		out[fmt.Sprintf("c%d_Recall", c)] = b.Recall[c]
		out[fmt.Sprintf("c%d_F1_Score", c)] = b.F1[c]
	}
	return out
}

// DataFrame returns a per-class report.
func (b *MetricBundle) DataFrame() dataframe.DataFrame {
	n := len(b.Precision)
	classes := make([]int, n)
	tp := make([]int, n)
	fp := make([]int, n)
	fn := make([]int, n)
	for c := 0; c < n; c++ {
		classes[c] = c
		tp[c] = int(b.Counts[c].TP)
		fp[c] = int(b.Counts[c].FP)
		fn[c] = int(b.Counts[c].FN)
	}

	return dataframe.New(
		series.New(classes, series.Int, "class"),
		series.New(tp, series.Int, "tp"),
		series.New(fp, series.Int, "fp"),
		series.New(fn, series.Int, "fn"),
		series.New(b.Precision, series.Float, "precision"),
		series.New(b.Recall, series.Float, "recall"),
		series.New(b.F1, series.Float, "f1"),
		series.New(b.IoU, series.Float, "iou"),
	)
}

// WriteCSV writes the per-class report as CSV.
func (b *MetricBundle) WriteCSV(w io.Writer) error {
	df := b.DataFrame()
	return df.WriteCSV(w)
}

// Argmax returns per-pixel argmax class indices of a NCHW or [N, C] tensor.
func Argmax(x *ts.Tensor, numClasses int64) ([]int64, error) {
	flat, err := base.FlattenClasses(x, numClasses)
	if err != nil {
		return nil, err
	}

	var idx []int64
	ts.NoGrad(func() {
		am := flat.MustArgmax([]int64{1}, false, true)
		idx = am.Int64Values()
		am.MustDrop()
	})

	return idx, nil
}

// Evaluator computes pixel-level classification metrics.
//
// Evaluate and EvaluateClasses are stateless. Accumulate adds a batch to a
// running confusion matrix read by Bundle.
type Evaluator struct {
	NumClasses int64
	// LegacyFalseNegatives reproduces the always-zero false negative count.
	LegacyFalseNegatives bool

	mu sync.Mutex
	cm *ConfusionMatrix
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(numClasses int64, legacyFN bool) *Evaluator {
	return &Evaluator{
		NumClasses:           numClasses,
		LegacyFalseNegatives: legacyFN,
		cm:                   NewConfusionMatrix(int(numClasses)),
	}
}

func (e *Evaluator) classes(logits, labels *ts.Tensor) (pred, truth []int64, err error) {
	pred, err = Argmax(logits, e.NumClasses)
	if err != nil {
		return nil, nil, errors.Wrap(err, "logits")
	}
	truth, err = Argmax(labels, e.NumClasses)
	if err != nil {
		return nil, nil, errors.Wrap(err, "labels")
	}
	return pred, truth, nil
}

// Evaluate computes metrics of logits against one-hot labels for one batch.
func (e *Evaluator) Evaluate(logits, labels *ts.Tensor) (*MetricBundle, error) {
	pred, truth, err := e.classes(logits, labels)
	if err != nil {
		return nil, err
	}
	return e.EvaluateClasses(pred, truth)
}

// EvaluateClasses computes metrics of predicted against true class indices.
func (e *Evaluator) EvaluateClasses(pred, truth []int64) (*MetricBundle, error) {
	cm := NewConfusionMatrix(int(e.NumClasses))
	if err := cm.Add(pred, truth); err != nil {
		return nil, err
	}
	return NewMetricBundle(cm, e.LegacyFalseNegatives), nil
}

// Accumulate adds a batch of logits and one-hot labels to the running counts.
func (e *Evaluator) Accumulate(logits, labels *ts.Tensor) error {
	pred, truth, err := e.classes(logits, labels)
	if err != nil {
		return err
	}
	return e.AccumulateClasses(pred, truth)
}

// AccumulateClasses adds class indices to the running counts.
func (e *Evaluator) AccumulateClasses(pred, truth []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cm == nil {
		e.cm = NewConfusionMatrix(int(e.NumClasses))
	}
	return e.cm.Add(pred, truth)
}

// Bundle returns metrics of all accumulated batches.
func (e *Evaluator) Bundle() *MetricBundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cm == nil {
		e.cm = NewConfusionMatrix(int(e.NumClasses))
	}
	return NewMetricBundle(e.cm, e.LegacyFalseNegatives)
}

// Reset clears accumulated counts.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	e.cm = NewConfusionMatrix(int(e.NumClasses))
	e.mu.Unlock()
}
