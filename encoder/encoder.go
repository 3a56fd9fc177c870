package encoder

import (
	ts "github.com/sugarme/gotch/tensor"
)

// Feature map keys as produced for the FCN decoder.
const (
	KeyFcnIn  = "fcn_in"
	KeyFeed2  = "feed2"
	KeyFeed4  = "feed4"
	KeyImages = "images"
)

// Features are encoder outputs consumed by the FCN decoder. All tensors are NCHW.
//
// Spatial resolutions satisfy images >= feed4 >= feed2 >= fcn_in, each a
// power of two multiple of the next.
type Features struct {
	FcnIn  *ts.Tensor // coarsest
	Feed2  *ts.Tensor // 2x fcn_in
	Feed4  *ts.Tensor // 4x fcn_in
	Images *ts.Tensor // full resolution, used for its shape only
}

// FeatureChannels holds number of channels of each feature map.
type FeatureChannels struct {
	FcnIn int64
	Feed2 int64
	Feed4 int64
}

// Map returns features keyed by their names.
func (f Features) Map() map[string]*ts.Tensor {
	return map[string]*ts.Tensor{
		KeyFcnIn:  f.FcnIn,
		KeyFeed2:  f.Feed2,
		KeyFeed4:  f.Feed4,
		KeyImages: f.Images,
	}
}

// Drop frees all feature tensors.
func (f Features) Drop() {
	for _, x := range []*ts.Tensor{f.FcnIn, f.Feed2, f.Feed4, f.Images} {
		if x != nil {
			x.MustDrop()
		}
	}
}

// Encoder is encoder interface for a FCN segmentation model.
type Encoder interface {
	ForwardFeatures(x *ts.Tensor, train bool) Features
	Channels() FeatureChannels
}
