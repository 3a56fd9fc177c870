package base_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/fcnseg/base"
)

func newUpscore(t *testing.T, classes, ksize, stride int64, opts ...base.UpscoreOpt) *base.UpscoreLayer {
	vs := nn.NewVarStore(gotch.CPU)
	l, err := base.NewUpscoreLayer(vs.Root(), "upscore", classes, classes, ksize, stride, opts...)
	require.NoError(t, err)
	return l
}

func TestUpscoreConstant(t *testing.T) {
	l := newUpscore(t, 2, 4, 2)
	assert.Equal(t, []int64{2, 2, 4, 4}, l.Ws.MustSize())

	x := ts.MustOnes([]int64{1, 2, 4, 4}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	var out *ts.Tensor
	var err error
	ts.NoGrad(func() {
		out, err = l.Forward(x, base.Shape{N: 1, H: 8, W: 8})
	})
	require.NoError(t, err)
	defer out.MustDrop()
	require.Equal(t, []int64{1, 2, 8, 8}, out.MustSize())

	vals := out.Float64Values()
	at := func(c, i, j int) float64 { return vals[c*64+i*8+j] }
	for c := 0; c < 2; c++ {
		for i := 1; i < 7; i++ {
			for j := 1; j < 7; j++ {
				assert.InDelta(t, 1.0, at(c, i, j), 1e-5, "interior (%d,%d,%d)", c, i, j)
			}
		}
		// edges see a single input tap
		assert.InDelta(t, 0.75, at(c, 0, 3), 1e-5)
		assert.InDelta(t, 0.75, at(c, 7, 3), 1e-5)
		assert.InDelta(t, 0.5625, at(c, 0, 0), 1e-5)
	}
}

func TestUpscoreNoChannelMixing(t *testing.T) {
	l := newUpscore(t, 2, 4, 2)

	// channel 0 ones, channel 1 zeros
	x := ts.MustOfSlice([]float32{1, 1, 1, 1, 0, 0, 0, 0}).MustView([]int64{1, 2, 2, 2}, true)
	defer x.MustDrop()

	var out *ts.Tensor
	var err error
	ts.NoGrad(func() {
		out, err = l.Forward(x, base.Shape{N: 1, H: 4, W: 4})
	})
	require.NoError(t, err)
	defer out.MustDrop()

	vals := out.Float64Values()
	for _, v := range vals[16:] {
		assert.Zero(t, v)
	}
	assert.InDelta(t, 1.0, vals[1*4+1], 1e-5)
}

func TestUpscoreShapes(t *testing.T) {
	tests := []struct {
		name   string
		ksize  int64
		stride int64
		in     []int64
		target base.Shape
	}{
		{"x2 even", 4, 2, []int64{2, 3, 5, 5}, base.Shape{N: 2, H: 10, W: 10}},
		{"x2 odd", 4, 2, []int64{1, 3, 3, 4}, base.Shape{N: 1, H: 5, W: 7}},
		{"x8", 16, 8, []int64{1, 3, 2, 2}, base.Shape{N: 1, H: 16, W: 16}},
		{"x8 odd", 16, 8, []int64{1, 3, 9, 9}, base.Shape{N: 1, H: 70, W: 70}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newUpscore(t, 3, tt.ksize, tt.stride)
			x := ts.MustRand(tt.in, gotch.Float, gotch.CPU)
			defer x.MustDrop()

			var out *ts.Tensor
			var err error
			ts.NoGrad(func() {
				out, err = l.Forward(x, tt.target)
			})
			require.NoError(t, err)
			assert.Equal(t, []int64{tt.target.N, 3, tt.target.H, tt.target.W}, out.MustSize())
			out.MustDrop()
		})
	}
}

func TestUpscoreErrors(t *testing.T) {
	l := newUpscore(t, 2, 4, 2)

	x := ts.MustRand([]int64{1, 2, 4, 4}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	_, err := l.Forward(x, base.Shape{N: 1, H: 10, W: 10})
	assert.ErrorIs(t, err, base.ErrShapeMismatch)

	_, err = l.Forward(x, base.Shape{N: 2, H: 8, W: 8})
	assert.ErrorIs(t, err, base.ErrShapeMismatch)

	wrongCh := ts.MustRand([]int64{1, 3, 4, 4}, gotch.Float, gotch.CPU)
	defer wrongCh.MustDrop()
	_, err = l.Forward(wrongCh, base.Shape{N: 1, H: 8, W: 8})
	assert.ErrorIs(t, err, base.ErrShapeMismatch)

	vs := nn.NewVarStore(gotch.CPU)
	_, err = base.NewUpscoreLayer(vs.Root(), "bad", 2, 2, 4, 2, base.WithDType(gotch.Int))
	assert.ErrorIs(t, err, base.ErrNonFloatDType)
}

func TestUpscoreRegisters(t *testing.T) {
	reg := base.NewRegularizer(5e-4, gotch.CPU)
	summary := base.NewSummary()
	l := newUpscore(t, 2, 4, 2, base.WithRegularizer(reg), base.WithSummary(summary))

	assert.Equal(t, []string{"upscore/weights"}, reg.Weights())
	assert.Zero(t, reg.Len(), "upscore filters are not weight decayed")

	x := ts.MustOnes([]int64{1, 2, 2, 2}, gotch.Float, gotch.CPU)
	defer x.MustDrop()
	out, err := l.Forward(x, base.Shape{N: 1, H: 4, W: 4})
	require.NoError(t, err)
	out.MustDrop()

	st, ok := summary.Stats("upscore")
	require.True(t, ok)
	assert.Equal(t, 32, st.Count)
	assert.Zero(t, st.Sparsity)
}

func TestShapers(t *testing.T) {
	ref := ts.MustZeros([]int64{2, 3, 10, 12}, gotch.Float, gotch.CPU)
	defer ref.MustDrop()

	s, err := base.DynamicShaper{}.ShapeOf("images", ref)
	require.NoError(t, err)
	assert.Equal(t, base.Shape{N: 2, H: 10, W: 12}, s)

	static := base.StaticShaper{"images": {N: 1, H: 32, W: 32}}
	s, err = static.ShapeOf("images", ref)
	require.NoError(t, err)
	assert.Equal(t, base.Shape{N: 1, H: 32, W: 32}, s)

	s, err = static.ShapeOf("feed2", ref)
	require.NoError(t, err)
	assert.Equal(t, base.Shape{N: 2, H: 10, W: 12}, s)

	flat := ts.MustZeros([]int64{4, 3}, gotch.Float, gotch.CPU)
	defer flat.MustDrop()
	_, err = base.DynamicShaper{}.ShapeOf("images", flat)
	assert.Error(t, err)
}
