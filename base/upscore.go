package base

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"k8s.io/klog/v2"
)

// ErrShapeMismatch is returned when two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("shape mismatch")

// Shape is the target (batch, height, width) of an upsampling stage.
type Shape struct {
	N, H, W int64
}

// Shaper resolves the output shape of an upsampling stage from a reference tensor.
//
// Input image size may vary between calls, so shapes are resolved at
// execution time, once per forward pass.
type Shaper interface {
	ShapeOf(name string, ref *ts.Tensor) (Shape, error)
}

// DynamicShaper reads the shape from the live reference tensor.
type DynamicShaper struct{}

// ShapeOf implements Shaper. ref must be NCHW.
func (DynamicShaper) ShapeOf(name string, ref *ts.Tensor) (Shape, error) {
	size := ref.MustSize()
	if len(size) != 4 {
		return Shape{}, errors.Errorf("reference %q: expected NCHW tensor, got shape %v", name, size)
	}

	return Shape{N: size[0], H: size[2], W: size[3]}, nil
}

// StaticShaper returns fixed shapes keyed by reference name. Unknown names
// fall back to DynamicShaper.
type StaticShaper map[string]Shape

// ShapeOf implements Shaper.
func (s StaticShaper) ShapeOf(name string, ref *ts.Tensor) (Shape, error) {
	if shape, ok := s[name]; ok {
		return shape, nil
	}
	return DynamicShaper{}.ShapeOf(name, ref)
}

// UpscoreLayer upsamples class scores with a strided transposed convolution
// initialised to bilinear interpolation.
type UpscoreLayer struct {
	Name       string
	Ws         *ts.Tensor // [inFeatures, numClasses, ksize, ksize]
	InFeatures int64
	NumClasses int64
	Ksize      int64
	Stride     int64

	summary *Summary
	once    sync.Once
}

type upscoreOptions struct {
	dtype   gotch.DType
	reg     *Regularizer
	summary *Summary
}

// UpscoreOpt configures NewUpscoreLayer.
type UpscoreOpt func(*upscoreOptions)

// WithDType sets the dtype requested from the bilinear initializer.
func WithDType(dtype gotch.DType) UpscoreOpt {
	return func(o *upscoreOptions) { o.dtype = dtype }
}

// WithRegularizer records the filter in the regularizer's weights collection.
func WithRegularizer(reg *Regularizer) UpscoreOpt {
	return func(o *upscoreOptions) { o.reg = reg }
}

// WithSummary attaches activation instrumentation.
func WithSummary(s *Summary) UpscoreOpt {
	return func(o *upscoreOptions) { o.summary = s }
}

// NewUpscoreLayer creates an UpscoreLayer with variables under p.Sub(name).
func NewUpscoreLayer(p *nn.Path, name string, inFeatures, numClasses, ksize, stride int64, opts ...UpscoreOpt) (*UpscoreLayer, error) {
	o := &upscoreOptions{dtype: gotch.Float}
	for _, opt := range opts {
		opt(o)
	}

	if ksize <= 0 || stride <= 0 {
		return nil, errors.Errorf("upscore %q: invalid ksize %d or stride %d", name, ksize, stride)
	}

	bilinear, err := NewBilinearInit(o.dtype)
	if err != nil {
		return nil, errors.Wrapf(err, "upscore %q", name)
	}

	fShape := []int64{inFeatures, numClasses, ksize, ksize}
	filter := bilinear.InitTensor(fShape, gotch.CPU)
	ws := p.Sub(name).VarCopy("weights", filter)
	filter.MustDrop()

	if o.reg != nil {
		o.reg.AddWeight(name+"/weights", ws)
	}

	return &UpscoreLayer{
		Name:       name,
		Ws:         ws,
		InFeatures: inFeatures,
		NumClasses: numClasses,
		Ksize:      ksize,
		Stride:     stride,
		summary:    o.summary,
	}, nil
}

// samePadBefore returns the leading padding TensorFlow uses for a `SAME`
// strided convolution mapping out to in.
func samePadBefore(in, out, ksize, stride int64) int64 {
	total := (in-1)*stride + ksize - out
	if total < 0 {
		total = 0
	}
	return total / 2
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Forward upsamples x [N, inFeatures, h, w] to [target.N, numClasses, target.H, target.W].
func (l *UpscoreLayer) Forward(x *ts.Tensor, target Shape) (*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 4 {
		return nil, errors.Errorf("upscore %q: expected NCHW input, got shape %v", l.Name, size)
	}
	if size[1] != l.InFeatures {
		return nil, errors.Wrapf(ErrShapeMismatch, "upscore %q: input has %d channels, want %d", l.Name, size[1], l.InFeatures)
	}
	if size[0] != target.N {
		return nil, errors.Wrapf(ErrShapeMismatch, "upscore %q: batch %d, target batch %d", l.Name, size[0], target.N)
	}
	if ceilDiv(target.H, l.Stride) != size[2] || ceilDiv(target.W, l.Stride) != size[3] {
		return nil, errors.Wrapf(ErrShapeMismatch, "upscore %q: cannot upsample %vx%v by stride %d to %vx%v",
			l.Name, size[2], size[3], l.Stride, target.H, target.W)
	}

	stride := []int64{l.Stride, l.Stride}
	full := ts.MustConvTranspose2d(x, l.Ws, ts.NewTensor(), stride, []int64{0, 0}, []int64{0, 0}, 1, []int64{1, 1})

	// Crop the full transposed convolution to `SAME` output.
	top := samePadBefore(size[2], target.H, l.Ksize, l.Stride)
	left := samePadBefore(size[3], target.W, l.Ksize, l.Stride)
	rows := full.MustNarrow(2, top, target.H, true)
	out := rows.MustNarrow(3, left, target.W, true).MustContiguous(true)

	l.once.Do(func() {
		klog.V(1).Infof("Shape of %s: %v", l.Name, out.MustSize())
	})
	l.summary.Observe(l.Name, out)

	return out, nil
}
