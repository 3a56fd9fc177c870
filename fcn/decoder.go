// Package fcn implements the FCN8 decoding head: class scoring of encoder
// features, bilinear-initialised transposed-convolution upsampling and
// skip-connection fusion at three resolutions.
package fcn

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"k8s.io/klog/v2"

	"github.com/sugarme/fcnseg/base"
	"github.com/sugarme/fcnseg/encoder"
)

// DecoderConfig holds FCN8 decoder hyper-parameters.
type DecoderConfig struct {
	NumClasses int64
	// ScaleDown grows the scoring-conv init variance at each finer stage. Defaults to 1.
	ScaleDown float64
	// Skip enables the skip-connection fusions.
	Skip bool
	// DType of the bilinear upsampling filters. Defaults to gotch.Float.
	DType gotch.DType
}

// Decoded is the output of the decoder.
type Decoded struct {
	Logits  *ts.Tensor // [B, C, H, W] at image resolution
	Softmax *ts.Tensor // [B*H*W, C], rows sum to 1
}

// Drop frees decoded tensors.
func (d *Decoded) Drop() {
	if d == nil {
		return
	}
	if d.Logits != nil {
		d.Logits.MustDrop()
	}
	if d.Softmax != nil {
		d.Softmax.MustDrop()
	}
}

type options struct {
	shaper  base.Shaper
	reg     *base.Regularizer
	summary *base.Summary
}

// Option configures a Decoder.
type Option func(*options)

// WithShaper sets how upsampling target shapes are resolved. Default is base.DynamicShaper.
func WithShaper(s base.Shaper) Option {
	return func(o *options) { o.shaper = s }
}

// WithRegularizer registers decoder weights into reg.
func WithRegularizer(reg *base.Regularizer) Option {
	return func(o *options) { o.reg = reg }
}

// WithSummary records activation statistics of every scoring and upsampling stage.
func WithSummary(s *base.Summary) Option {
	return func(o *options) { o.summary = s }
}

// Decoder is the FCN8 decoder.
type Decoder struct {
	cfg    DecoderConfig
	shaper base.Shaper

	scoreFr    *base.ScoreLayer
	scoreFeed2 *base.ScoreLayer
	scoreFeed4 *base.ScoreLayer

	upscore2  *base.UpscoreLayer
	upscore4  *base.UpscoreLayer
	upscore32 *base.UpscoreLayer

	once sync.Once
}

// NewDecoder creates a FCN8 decoder for encoder features with channels ch.
func NewDecoder(p *nn.Path, ch encoder.FeatureChannels, cfg DecoderConfig, opts ...Option) (*Decoder, error) {
	o := &options{shaper: base.DynamicShaper{}}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.NumClasses < 2 {
		return nil, errors.Errorf("decoder: num_classes must be >= 2, got %d", cfg.NumClasses)
	}
	if cfg.ScaleDown == 0 {
		cfg.ScaleDown = 1
	}
	if cfg.DType == (gotch.DType{}) {
		cfg.DType = gotch.Float
	}

	sd := cfg.ScaleDown
	nc := cfg.NumClasses

	scoreFr := base.NewScoreLayer(p, "score_fr", ch.FcnIn, nc, base.VarianceScaling(2.0, ch.FcnIn), o.reg, o.summary)
	scoreFeed2 := base.NewScoreLayer(p, "score_feed2", ch.Feed2, nc, base.VarianceScaling(2.0*sd, ch.Feed2), o.reg, o.summary)
	scoreFeed4 := base.NewScoreLayer(p, "score_feed4", ch.Feed4, nc, base.VarianceScaling(2.0*sd*sd, ch.Feed4), o.reg, o.summary)

	upOpts := []base.UpscoreOpt{
		base.WithDType(cfg.DType),
		base.WithRegularizer(o.reg),
		base.WithSummary(o.summary),
	}
	upscore2, err := base.NewUpscoreLayer(p, "upscore2", nc, nc, 4, 2, upOpts...)
	if err != nil {
		return nil, err
	}
	upscore4, err := base.NewUpscoreLayer(p, "upscore4", nc, nc, 4, 2, upOpts...)
	if err != nil {
		return nil, err
	}
	upscore32, err := base.NewUpscoreLayer(p, "upscore32", nc, nc, 16, 8, upOpts...)
	if err != nil {
		return nil, err
	}

	return &Decoder{
		cfg:        cfg,
		shaper:     o.shaper,
		scoreFr:    scoreFr,
		scoreFeed2: scoreFeed2,
		scoreFeed4: scoreFeed4,
		upscore2:   upscore2,
		upscore4:   upscore4,
		upscore32:  upscore32,
	}, nil
}

// Config returns the decoder configuration with defaults applied.
func (d *Decoder) Config() DecoderConfig {
	return d.cfg
}

// Fuse combines an upsampled score map with the score map of the same
// resolution. With skip it is element-wise addition; without skip, up is
// passed through after asserting both shapes are equal.
func Fuse(up, score *ts.Tensor, skip bool) (*ts.Tensor, error) {
	if skip {
		return up.MustAdd(score, false), nil
	}

	upSize := up.MustSize()
	scoreSize := score.MustSize()
	if !equalShape(upSize, scoreSize) {
		return nil, errors.Wrapf(base.ErrShapeMismatch, "fuse: upsampled %v, score %v", upSize, scoreSize)
	}

	return up.MustShallowClone(), nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stage upsamples x to ref's shape, scores feed and fuses both.
func (d *Decoder) stage(up *base.UpscoreLayer, score *base.ScoreLayer, x *ts.Tensor, key string, feed *ts.Tensor) (*ts.Tensor, error) {
	shape, err := d.shaper.ShapeOf(key, feed)
	if err != nil {
		return nil, err
	}
	upscore, err := up.Forward(x, shape)
	if err != nil {
		return nil, err
	}
	scored := score.Forward(feed)
	fused, err := Fuse(upscore, scored, d.cfg.Skip)
	upscore.MustDrop()
	scored.MustDrop()
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", up.Name)
	}

	return fused, nil
}

// Forward decodes encoder features into logits and per-pixel class probabilities.
func (d *Decoder) Forward(feats encoder.Features, train bool) (*Decoded, error) {
	for k, x := range feats.Map() {
		if x == nil {
			return nil, errors.Errorf("decoder: missing feature %q", k)
		}
	}

	d.once.Do(func() {
		klog.V(1).Infof("Shape of %s: %v", encoder.KeyFcnIn, feats.FcnIn.MustSize())
	})

	scoreFr := d.scoreFr.ForwardT(feats.FcnIn, train)
	fuseFeed2, err := d.stage(d.upscore2, d.scoreFeed2, scoreFr, encoder.KeyFeed2, feats.Feed2)
	scoreFr.MustDrop()
	if err != nil {
		return nil, err
	}

	fusePool3, err := d.stage(d.upscore4, d.scoreFeed4, fuseFeed2, encoder.KeyFeed4, feats.Feed4)
	fuseFeed2.MustDrop()
	if err != nil {
		return nil, err
	}

	shape, err := d.shaper.ShapeOf(encoder.KeyImages, feats.Images)
	if err != nil {
		fusePool3.MustDrop()
		return nil, err
	}
	logits, err := d.upscore32.Forward(fusePool3, shape)
	fusePool3.MustDrop()
	if err != nil {
		return nil, err
	}

	softmax, err := base.Softmax(logits, d.cfg.NumClasses)
	if err != nil {
		logits.MustDrop()
		return nil, err
	}

	return &Decoded{Logits: logits, Softmax: softmax}, nil
}

// MustForward is Forward that panics on error.
func (d *Decoder) MustForward(feats encoder.Features, train bool) *Decoded {
	out, err := d.Forward(feats, train)
	if err != nil {
		panic(err)
	}
	return out
}
