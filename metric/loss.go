// Package metric provides segmentation training losses and evaluation metrics.
package metric

import (
	"fmt"

	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/fcnseg/base"
)

// ErrUnknownLoss is returned for an unrecognized loss name.
var ErrUnknownLoss = errors.New("unknown loss")

// LossKind selects the primary loss term.
type LossKind int

const (
	LossXEntropy LossKind = iota // weighted cross-entropy
	LossSoftF1                   // 1 - soft F1 of class 1
	LossSoftIU                   // 1 - mean soft intersection-over-union
)

var lossNames = map[LossKind]string{
	LossXEntropy: "xentropy",
	LossSoftF1:   "softF1",
	LossSoftIU:   "softIU",
}

func (k LossKind) String() string {
	if n, ok := lossNames[k]; ok {
		return n
	}
	return fmt.Sprintf("LossKind(%d)", int(k))
}

// ParseLossKind parses "xentropy", "softF1" or "softIU".
func ParseLossKind(s string) (LossKind, error) {
	for k, n := range lossNames {
		if n == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownLoss, "%q", s)
}

// Criterion computes a primary loss term from class probabilities and
// one-hot labels, both [N, C].
type Criterion interface {
	Name() string
	Primary(probs, labels *ts.Tensor) *ts.Tensor
}

// CrossEntropy is class-weighted cross-entropy averaged over pixels:
// mean_n( -sum_c weight[c] * label[n,c] * log(probs[n,c]) ).
type CrossEntropy struct {
	Weight []float64
}

// Name implements Criterion.
func (c CrossEntropy) Name() string { return LossXEntropy.String() }

// Primary implements Criterion.
func (c CrossEntropy) Primary(probs, labels *ts.Tensor) *ts.Tensor {
	dtype := probs.DType()
	w := ts.MustOfSlice(c.Weight).MustTotype(dtype, true).MustTo(probs.MustDevice(), true)

	logp := probs.MustLog(false)
	llogp := labels.MustMul(logp, false)
	logp.MustDrop()
	weighted := llogp.MustMul(w, true)
	w.MustDrop()

	xentropy := weighted.MustSum1([]int64{1}, false, dtype, true).MustMul1(ts.FloatScalar(-1), true)

	return xentropy.MustMean(dtype, true)
}

// SoftF1 is one minus a soft F1 score of class 1.
//
// With Unguarded the recall and F1 denominators carry no epsilon, which
// yields NaN on batches without class-1 pixels.
type SoftF1 struct {
	Epsilon   float64
	Unguarded bool
}

// Name implements Criterion.
func (f SoftF1) Name() string { return LossSoftF1.String() }

// Primary implements Criterion.
func (f SoftF1) Primary(probs, labels *ts.Tensor) *ts.Tensor {
	dtype := probs.DType()
	guard := f.Epsilon
	if f.Unguarded {
		guard = 0
	}

	l := labels.MustSelect(1, 1, false)
	p := probs.MustSelect(1, 1, false)

	tp := l.MustMul(p, false).MustSum(dtype, true)
	negL := l.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
	fp := negL.MustMul(p, true).MustSum(dtype, true)
	labelSum := l.MustSum(dtype, true)
	p.MustDrop()

	recallDen := labelSum.MustAdd1(ts.FloatScalar(guard), true)
	recall := tp.MustDiv(recallDen, false)
	recallDen.MustDrop()

	precisionDen := tp.MustAdd(fp, false).MustAdd1(ts.FloatScalar(f.Epsilon), true)
	precision := tp.MustDiv(precisionDen, true)
	precisionDen.MustDrop()
	fp.MustDrop()

	num := recall.MustMul(precision, false).MustMul1(ts.FloatScalar(2), true)
	den := precision.MustAdd(recall, true).MustAdd1(ts.FloatScalar(guard), true)
	recall.MustDrop()
	f1 := num.MustDiv(den, true)
	den.MustDrop()

	return f1.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true)
}

// SoftIoU is one minus the mean over classes of soft intersection-over-union.
type SoftIoU struct {
	Epsilon float64
}

// Name implements Criterion.
func (u SoftIoU) Name() string { return LossSoftIU.String() }

// Primary implements Criterion.
func (u SoftIoU) Primary(probs, labels *ts.Tensor) *ts.Tensor {
	dtype := probs.DType()
	dims := []int64{0}

	intersection := labels.MustMul(probs, false).MustSum1(dims, false, dtype, true)
	total := labels.MustAdd(probs, false).MustSum1(dims, false, dtype, true)
	union := total.MustSub(intersection, true).MustAdd1(ts.FloatScalar(u.Epsilon), true)

	iou := intersection.MustDiv(union, true)
	union.MustDrop()
	meanIoU := iou.MustMean(dtype, true)

	return meanIoU.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true)
}

// NewCriterion creates the Criterion for kind. weight is only used by
// cross-entropy; an empty weight means all ones.
func NewCriterion(kind LossKind, numClasses int64, eps float64, weight []float64) (Criterion, error) {
	switch kind {
	case LossXEntropy:
		if len(weight) == 0 {
			weight = make([]float64, numClasses)
			for i := range weight {
				weight[i] = 1
			}
		}
		if int64(len(weight)) != numClasses {
			return nil, errors.Errorf("xentropy: %d class weights for %d classes", len(weight), numClasses)
		}
		return CrossEntropy{Weight: weight}, nil
	case LossSoftF1:
		if numClasses < 2 {
			return nil, errors.Errorf("softF1: needs at least 2 classes, got %d", numClasses)
		}
		return SoftF1{Epsilon: eps}, nil
	case LossSoftIU:
		return SoftIoU{Epsilon: eps}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownLoss, "%v", kind)
	}
}

// LossBundle holds loss tensors. Total = Primary + Regularization.
type LossBundle struct {
	Name           string
	Total          *ts.Tensor
	Primary        *ts.Tensor
	Regularization *ts.Tensor
}

// LossValues are scalar values of a LossBundle.
type LossValues struct {
	Total          float64
	Primary        float64
	Regularization float64
}

// Values returns the bundle scalars.
func (b *LossBundle) Values() LossValues {
	return LossValues{
		Total:          b.Total.Float64Values()[0],
		Primary:        b.Primary.Float64Values()[0],
		Regularization: b.Regularization.Float64Values()[0],
	}
}

// Map returns the bundle scalars keyed "total_loss", "xentropy" (the primary
// term whatever its kind) and "weight_loss".
func (b *LossBundle) Map() map[string]float64 {
	v := b.Values()
	return map[string]float64{
		"total_loss":  v.Total,
		"xentropy":    v.Primary,
		"weight_loss": v.Regularization,
	}
}

// Drop frees bundle tensors.
func (b *LossBundle) Drop() {
	for _, x := range []*ts.Tensor{b.Total, b.Primary, b.Regularization} {
		if x != nil {
			x.MustDrop()
		}
	}
}

// ComputeLoss computes the loss of logits against one-hot labels.
//
// logits and labels are either NCHW with C = numClasses or already flat
// [N, C]. Probabilities are softmax(logits) + eps. The regularization term
// is reg.Loss(), or zero when reg is nil.
func ComputeLoss(crit Criterion, logits, labels *ts.Tensor, numClasses int64, eps float64, reg *base.Regularizer) (*LossBundle, error) {
	flat, err := base.FlattenClasses(logits, numClasses)
	if err != nil {
		return nil, errors.Wrap(err, "logits")
	}
	lab, err := base.FlattenClasses(labels, numClasses)
	if err != nil {
		flat.MustDrop()
		return nil, errors.Wrap(err, "labels")
	}
	if flat.MustSize()[0] != lab.MustSize()[0] {
		err = errors.Wrapf(base.ErrShapeMismatch, "logits %v, labels %v", flat.MustSize(), lab.MustSize())
		flat.MustDrop()
		lab.MustDrop()
		return nil, err
	}

	probs := flat.MustSoftmax(1, flat.DType(), true).MustAdd1(ts.FloatScalar(eps), true)
	labF := lab.MustTotype(probs.DType(), true)

	primary := crit.Primary(probs, labF)
	probs.MustDrop()
	labF.MustDrop()

	var regLoss *ts.Tensor
	if reg != nil {
		regLoss = reg.Loss().MustTotype(primary.DType(), true)
	} else {
		regLoss = ts.MustZeros([]int64{}, primary.DType(), primary.MustDevice())
	}

	return &LossBundle{
		Name:           crit.Name(),
		Total:          primary.MustAdd(regLoss, false),
		Primary:        primary,
		Regularization: regLoss,
	}, nil
}

// LossEngine computes losses with a fixed criterion and regularizer.
type LossEngine struct {
	Criterion  Criterion
	NumClasses int64
	Epsilon    float64
	Reg        *base.Regularizer
}

// NewLossEngine creates a LossEngine.
func NewLossEngine(kind LossKind, numClasses int64, eps float64, weight []float64, reg *base.Regularizer) (*LossEngine, error) {
	crit, err := NewCriterion(kind, numClasses, eps, weight)
	if err != nil {
		return nil, err
	}

	return &LossEngine{
		Criterion:  crit,
		NumClasses: numClasses,
		Epsilon:    eps,
		Reg:        reg,
	}, nil
}

// Compute computes the loss bundle of logits against one-hot labels.
func (e *LossEngine) Compute(logits, labels *ts.Tensor) (*LossBundle, error) {
	return ComputeLoss(e.Criterion, logits, labels, e.NumClasses, e.Epsilon, e.Reg)
}
