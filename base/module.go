package base

import (
	"github.com/sugarme/gotch/nn"
)

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNormal creates a Conv2D with `SAME` padding (odd ksize), weights drawn
// from N(0, stddev) and zero bias.
func Conv2dNormal(p *nn.Path, cIn, cOut, ksize int64, stddev float64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Padding = []int64{ksize / 2, ksize / 2}
	config.WsInit = nn.NewRandnInit(0.0, stddev)
	config.BsInit = nn.NewConstInit(0.0)

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}
