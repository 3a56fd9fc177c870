package fcn

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/fcnseg/encoder"
)

// FCN8 is a FCN8 segmentation model: an encoder followed by the FCN8 decoder.
// Ref: https://arxiv.org/abs/1411.4038
type FCN8 struct {
	encoder encoder.Encoder
	decoder *Decoder
}

// NewFCN8 creates a FCN8 model with the given encoder.
func NewFCN8(p *nn.Path, enc encoder.Encoder, cfg DecoderConfig, opts ...Option) (*FCN8, error) {
	dec, err := NewDecoder(p.Sub("decoder"), enc.Channels(), cfg, opts...)
	if err != nil {
		return nil, err
	}

	return &FCN8{
		encoder: enc,
		decoder: dec,
	}, nil
}

// DefaultFCN8 creates FCN8 with a ResNet34 encoder.
func DefaultFCN8(p *nn.Path, cfg DecoderConfig, opts ...Option) (*FCN8, error) {
	return NewFCN8(p, encoder.NewResNet34Encoder(p), cfg, opts...)
}

// Decoder returns the model decoder.
func (m *FCN8) Decoder() *Decoder {
	return m.decoder
}

// Decode runs encoder and decoder on images x [B 3 H W].
func (m *FCN8) Decode(x *ts.Tensor, train bool) (*Decoded, error) {
	features := m.encoder.ForwardFeatures(x, train)
	defer features.Drop()

	return m.decoder.Forward(features, train)
}

// ForwardT implements ts.ModuleT for FCN8. It returns logits [B C H W].
func (m *FCN8) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, err := m.Decode(x, train)
	if err != nil {
		panic(err)
	}
	out.Softmax.MustDrop()

	return out.Logits
}
