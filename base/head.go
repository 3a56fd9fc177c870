package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ScoreLayer is a 1x1 convolution that scores a feature map into class channels.
type ScoreLayer struct {
	Name string
	Conv *nn.Conv2D

	summary *Summary
}

// NewScoreLayer creates a ScoreLayer under p.Sub(name). Its kernel weights
// are drawn from N(0, stddev) and registered for L2 regularization in reg
// when reg is not nil.
func NewScoreLayer(p *nn.Path, name string, cIn, numClasses int64, stddev float64, reg *Regularizer, summary *Summary) *ScoreLayer {
	conv := Conv2dNormal(p.Sub(name), cIn, numClasses, 1, stddev)
	if reg != nil {
		reg.AddL2(name+"/weights", conv.Ws)
	}

	return &ScoreLayer{
		Name:    name,
		Conv:    conv,
		summary: summary,
	}
}

// Forward implements ts.Module for ScoreLayer.
func (s *ScoreLayer) Forward(x *ts.Tensor) *ts.Tensor {
	out := s.Conv.Forward(x)
	s.summary.Observe(s.Name, out)

	return out
}

// ForwardT implements ts.ModuleT for ScoreLayer.
func (s *ScoreLayer) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return s.Forward(x)
}
