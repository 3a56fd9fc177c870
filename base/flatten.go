package base

import (
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"
)

// FlattenClasses reshapes a NCHW tensor to [N*H*W, C], one row per pixel.
func FlattenClasses(x *ts.Tensor, numClasses int64) (*ts.Tensor, error) {
	size := x.MustSize()
	switch {
	case len(size) == 2 && size[1] == numClasses:
		return x.MustShallowClone(), nil
	case len(size) == 4 && size[1] == numClasses:
		nhwc := x.MustPermute([]int64{0, 2, 3, 1}, false).MustContiguous(true)
		return nhwc.MustView([]int64{-1, numClasses}, true), nil
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot flatten shape %v to [-1 %d]", size, numClasses)
	}
}

// Softmax flattens logits to [N, C] and applies softmax over the class axis.
func Softmax(logits *ts.Tensor, numClasses int64) (*ts.Tensor, error) {
	flat, err := FlattenClasses(logits, numClasses)
	if err != nil {
		return nil, err
	}

	return flat.MustSoftmax(1, flat.DType(), true), nil
}
