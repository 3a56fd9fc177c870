package base

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// ErrNonFloatDType is returned when an initializer is asked for a non floating point dtype.
var ErrNonFloatDType = errors.New("cannot create initializer for non-floating point type")

// isFloat reports whether dtype is a floating point type.
func isFloat(dtype gotch.DType) bool {
	switch dtype {
	case gotch.Float, gotch.Double:
		return true
	}
	return false
}

// BilinearKernel returns a ksize x ksize bilinear interpolation kernel.
//
// Used by a transposed convolution with ksize = 2n and stride = n, it
// upsamples by a factor of n.
func BilinearKernel(ksize int64) [][]float64 {
	f := math.Ceil(float64(ksize) / 2.0)
	c := (2*f - 1 - math.Mod(f, 2)) / (2.0 * f)

	kernel := make([][]float64, ksize)
	for x := int64(0); x < ksize; x++ {
		kernel[x] = make([]float64, ksize)
		for y := int64(0); y < ksize; y++ {
			kernel[x][y] = (1 - math.Abs(float64(x)/f-c)) * (1 - math.Abs(float64(y)/f-c))
		}
	}

	return kernel
}

// BilinearFilter returns flat filter values of shape [inFeatures, numClasses, ksize, ksize]
// (libtorch conv_transpose2d layout).
//
// Only the diagonal [i, i, :, :] holds the bilinear kernel: each output
// channel reads its matching input channel, there is no channel mixing.
func BilinearFilter(ksize, numClasses, inFeatures int64) []float64 {
	kernel := BilinearKernel(ksize)
	plane := ksize * ksize
	weights := make([]float64, inFeatures*numClasses*plane)

	n := numClasses
	if inFeatures < n {
		n = inFeatures
	}
	for i := int64(0); i < n; i++ {
		offset := (i*numClasses + i) * plane
		for x := int64(0); x < ksize; x++ {
			for y := int64(0); y < ksize; y++ {
				weights[offset+x*ksize+y] = kernel[x][y]
			}
		}
	}

	return weights
}

// BilinearInit creates filter tensors for bilinear upsampling.
type BilinearInit struct {
	dtype gotch.DType
}

// NewBilinearInit creates a BilinearInit for the given floating point dtype.
func NewBilinearInit(dtype gotch.DType) (*BilinearInit, error) {
	if !isFloat(dtype) {
		return nil, errors.Wrapf(ErrNonFloatDType, "dtype %v", dtype)
	}

	return &BilinearInit{dtype: dtype}, nil
}

// DType returns dtype of tensors created by the initializer.
func (b *BilinearInit) DType() gotch.DType {
	return b.dtype
}

// InitTensor creates a filter tensor with dims [inFeatures, numClasses, ksize, ksize].
func (b *BilinearInit) InitTensor(dims []int64, device gotch.Device) *ts.Tensor {
	if len(dims) != 4 || dims[2] != dims[3] {
		panic(errors.Errorf("BilinearInit: expected dims [in, out, k, k], got %v", dims))
	}

	vals := BilinearFilter(dims[2], dims[1], dims[0])
	x := ts.MustOfSlice(vals).MustView(dims, true)
	typed := x.MustTotype(b.dtype, true)

	return typed.MustTo(device, true)
}

// VarianceScaling returns the stddev of a fan-in variance scaling normal
// initializer with variance factor / fanIn.
//
// Weights are drawn from an untruncated normal, so no truncation
// correction is applied.
func VarianceScaling(factor float64, fanIn int64) float64 {
	return math.Sqrt(factor / float64(fanIn))
}
